package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a workflow file. Parsing succeeds on any
// well-formed YAML document; shape problems are reported by Validate.
func Load(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(raw)
}

// Parse decodes workflow YAML. Unknown keys are kept aside for the
// validator so one pass can report them all alongside the other problems.
func Parse(raw []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}

	var tree yamlTree
	if err := yaml.Unmarshal(raw, &tree.root); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	wf.unknown = tree.unknownKeys()
	return &wf, nil
}

// unknownKey records a key the schema does not define, with enough position
// information for a useful validation message.
type unknownKey struct {
	step string // empty for workflow-level keys
	key  string
}

type yamlTree struct {
	root map[string]any
}

var workflowKeys = map[string]bool{
	"id": true, "name": true, "variables": true, "steps": true,
}

var stepBaseKeys = map[string]bool{
	"name": true, "type": true, "depends-on": true, "condition": true,
	"output-var": true, "timeout-seconds": true, "retry": true, "on-error": true,
}

var stepTypeKeys = map[string]map[string]bool{
	StepPrompt:      {"model": true, "prompt": true, "system-prompt": true, "parameters": true},
	StepTemplate:    {"template": true, "with": true},
	StepConditional: {"then": true, "else": true},
	StepLoop:        {"over": true, "as": true, "body": true},
	StepExtract:     {"from": true, "pattern": true, "json-path": true, "default": true},
	StepSleep:       {"seconds": true},
}

var retryKeys = map[string]bool{
	"max-attempts": true, "backoff": true, "initial-delay": true, "max-delay": true,
}

func (t yamlTree) unknownKeys() []unknownKey {
	var out []unknownKey
	for k := range t.root {
		if !workflowKeys[k] {
			out = append(out, unknownKey{key: k})
		}
	}
	steps, _ := t.root["steps"].([]any)
	for _, raw := range steps {
		out = append(out, stepUnknownKeys(raw)...)
	}
	return out
}

func stepUnknownKeys(raw any) []unknownKey {
	node, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	name, _ := node["name"].(string)
	typ, _ := node["type"].(string)
	typed := stepTypeKeys[typ]

	var out []unknownKey
	for k, v := range node {
		switch {
		case stepBaseKeys[k]:
			if k == "retry" {
				if rm, ok := v.(map[string]any); ok {
					for rk := range rm {
						if !retryKeys[rk] {
							out = append(out, unknownKey{step: name, key: "retry." + rk})
						}
					}
				}
			}
		case typed != nil && typed[k]:
			switch k {
			case "then", "else":
				out = append(out, stepUnknownKeys(v)...)
			case "body":
				if body, ok := v.([]any); ok {
					for _, b := range body {
						out = append(out, stepUnknownKeys(b)...)
					}
				}
			}
		default:
			out = append(out, unknownKey{step: name, key: k})
		}
	}
	return out
}
