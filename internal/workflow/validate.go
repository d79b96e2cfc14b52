package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Problem is one validation finding. Step is empty for workflow-level
// problems.
type Problem struct {
	Step    string
	Field   string
	Message string
}

func (p Problem) String() string {
	if p.Step == "" {
		return fmt.Sprintf("workflow: %s: %s", p.Field, p.Message)
	}
	return fmt.Sprintf("step %q: %s: %s", p.Step, p.Field, p.Message)
}

// ValidationError aggregates every problem found in one pass.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Problems)+1)
	lines = append(lines, fmt.Sprintf("workflow is invalid (%d problems):", len(e.Problems)))
	for _, p := range e.Problems {
		lines = append(lines, "  - "+p.String())
	}
	return strings.Join(lines, "\n")
}

var stepTypes = []string{StepPrompt, StepTemplate, StepConditional, StepLoop, StepExtract, StepSleep}
var backoffs = []string{"exponential", "linear", "fixed"}
var onErrors = []string{OnErrorFail, OnErrorContinue, OnErrorFallback}

// varRef matches {{name}} and {{dotted.path}} substitutions.
var varRef = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Validate checks the whole definition and reports every problem at once
// rather than stopping at the first. A nil return means the workflow is
// runnable.
func Validate(wf *Workflow) error {
	v := &validator{}

	if wf.ID == "" {
		v.add("", "id", "is required")
	}
	if len(wf.Steps) == 0 {
		v.add("", "steps", "must contain at least one step")
	}

	for _, uk := range wf.unknown {
		msg := "is not a recognized key"
		if uk.key == "circuit-breaker" || uk.key == "state-machine" {
			msg = "is not supported; remove it rather than expecting it to be ignored"
		}
		v.add(uk.step, uk.key, msg)
	}

	seen := map[string]bool{}
	declared := map[string]bool{}
	for name := range wf.Variables {
		declared[name] = true
	}

	var earlier []string
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Name == "" {
			v.add("", fmt.Sprintf("steps[%d].name", i), "is required")
		} else if seen[step.Name] {
			v.add(step.Name, "name", "duplicates an earlier step name")
		}
		seen[step.Name] = true

		v.checkStep(step, earlier, declared)

		earlier = append(earlier, step.Name)
		if step.OutputVar != "" {
			declared[step.OutputVar] = true
		}
		// Conditional branches may also publish variables.
		for _, branch := range []*Step{step.Then, step.Else} {
			if branch != nil && branch.OutputVar != "" {
				declared[branch.OutputVar] = true
			}
		}
	}

	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

type validator struct {
	problems []Problem
}

func (v *validator) add(step, field, format string, args ...any) {
	v.problems = append(v.problems, Problem{Step: step, Field: field, Message: fmt.Sprintf(format, args...)})
}

func enumList(values []string) string {
	return strings.Join(values, ", ")
}

func (v *validator) checkStep(step *Step, earlier []string, declared map[string]bool) {
	name := step.Name

	typeOK := false
	for _, t := range stepTypes {
		if step.Type == t {
			typeOK = true
		}
	}
	if !typeOK {
		v.add(name, "type", "got %q, expected one of: %s", step.Type, enumList(stepTypes))
	}

	if step.TimeoutSeconds != 0 && (step.TimeoutSeconds < 1 || step.TimeoutSeconds > 3600) {
		v.add(name, "timeout-seconds", "got %d, expected an integer in 1..3600", step.TimeoutSeconds)
	}
	if step.OnError != "" {
		ok := false
		for _, o := range onErrors {
			if step.OnError == o {
				ok = true
			}
		}
		if !ok {
			v.add(name, "on-error", "got %q, expected one of: %s", step.OnError, enumList(onErrors))
		}
	}
	if step.Retry != nil {
		v.checkRetry(name, step.Retry)
	}

	for _, dep := range step.DependsOn {
		found := false
		for _, e := range earlier {
			if e == dep {
				found = true
			}
		}
		if !found {
			v.add(name, "depends-on", "references %q, which is not an earlier step", dep)
		}
	}

	if step.Condition != "" {
		if _, err := ParseCondition(step.Condition); err != nil {
			v.add(name, "condition", "does not parse: %v", err)
		}
	}

	switch step.Type {
	case StepPrompt:
		if step.Model == "" {
			v.add(name, "model", "is required for prompt steps")
		}
		if step.Prompt == "" {
			v.add(name, "prompt", "is required for prompt steps")
		}
		v.checkRefs(name, "prompt", step.Prompt, declared)
		v.checkRefs(name, "system-prompt", step.SystemPrompt, declared)

	case StepTemplate:
		if step.Template == "" {
			v.add(name, "template", "is required for template steps")
		}
		withVars := cloneSet(declared)
		for k := range step.With {
			withVars[k] = true
		}
		v.checkRefs(name, "template", step.Template, withVars)

	case StepConditional:
		if step.Condition == "" {
			v.add(name, "condition", "is required for conditional steps")
		}
		if step.Then == nil {
			v.add(name, "then", "is required for conditional steps")
		} else {
			v.checkBranch(name, "then", step.Then, earlier, declared)
		}
		if step.Else != nil {
			v.checkBranch(name, "else", step.Else, earlier, declared)
		}

	case StepLoop:
		if step.Over == "" {
			v.add(name, "over", "is required for loop steps")
		} else if !declared[rootOf(varName(step.Over))] {
			v.add(name, "over", "references variable %q, which is neither declared nor produced upstream", step.Over)
		}
		if step.As == "" {
			v.add(name, "as", "is required for loop steps")
		}
		if len(step.Body) == 0 {
			v.add(name, "body", "must contain at least one step")
		}
		bodyVars := cloneSet(declared)
		if step.As != "" {
			bodyVars[step.As] = true
		}
		bodySeen := map[string]bool{}
		for i := range step.Body {
			b := &step.Body[i]
			if b.Name == "" {
				v.add(name, fmt.Sprintf("body[%d].name", i), "is required")
			} else if bodySeen[b.Name] {
				v.add(b.Name, "name", "duplicates an earlier step name")
			}
			bodySeen[b.Name] = true
			v.checkStep(b, earlier, bodyVars)
			if b.OutputVar != "" {
				bodyVars[b.OutputVar] = true
			}
		}

	case StepExtract:
		if step.From == "" {
			v.add(name, "from", "is required for extract steps")
		}
		v.checkRefs(name, "from", step.From, declared)
		switch {
		case step.Pattern == "" && step.JSONPath == "":
			v.add(name, "pattern", "either pattern or json-path is required for extract steps")
		case step.Pattern != "" && step.JSONPath != "":
			v.add(name, "pattern", "pattern and json-path are mutually exclusive")
		case step.Pattern != "":
			re, err := regexp.Compile(step.Pattern)
			if err != nil {
				v.add(name, "pattern", "does not compile: %v", err)
			} else if !hasNamedGroup(re) {
				v.add(name, "pattern", "must contain a named capture group, e.g. (?P<value>...)")
			}
		}

	case StepSleep:
		if step.Seconds <= 0 {
			v.add(name, "seconds", "got %v, expected a positive duration in seconds", step.Seconds)
		}
	}
}

func (v *validator) checkBranch(parent, field string, branch *Step, earlier []string, declared map[string]bool) {
	if branch.Name == "" {
		v.add(parent, field+".name", "is required")
	}
	v.checkStep(branch, earlier, declared)
}

func (v *validator) checkRetry(step string, r *RetrySpec) {
	if r.MaxAttempts != 0 && (r.MaxAttempts < 1 || r.MaxAttempts > 10) {
		v.add(step, "retry.max-attempts", "got %d, expected an integer in 1..10", r.MaxAttempts)
	}
	if r.Backoff != "" {
		ok := false
		for _, b := range backoffs {
			if r.Backoff == b {
				ok = true
			}
		}
		if !ok {
			v.add(step, "retry.backoff", "got %q, expected one of: %s", r.Backoff, enumList(backoffs))
		}
	}
	if r.InitialDelay < 0 {
		v.add(step, "retry.initial-delay", "got %v, expected a non-negative number of seconds", r.InitialDelay)
	}
	if r.MaxDelay < 0 {
		v.add(step, "retry.max-delay", "got %v, expected a non-negative number of seconds", r.MaxDelay)
	}
}

// checkRefs verifies every {{ref}} in text resolves to a declared or
// upstream-produced variable. Dotted paths only need their root to exist;
// the traversal happens at runtime.
func (v *validator) checkRefs(step, field, text string, declared map[string]bool) {
	var missing []string
	for _, m := range varRef.FindAllStringSubmatch(text, -1) {
		root := rootOf(m[1])
		if !declared[root] {
			missing = append(missing, m[1])
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	v.add(step, field, "references undeclared variables: %s", strings.Join(missing, ", "))
}

// varName accepts both bare variable names and {{wrapped}} references.
func varName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	return strings.TrimSpace(s)
}

func rootOf(ref string) string {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i]
	}
	return ref
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}

func hasNamedGroup(re *regexp.Regexp) bool {
	for _, n := range re.SubexpNames() {
		if n != "" {
			return true
		}
	}
	return false
}
