// Package workflow loads, validates, and executes YAML-defined multi-step
// LLM workflows. Validation enumerates every problem before refusing to run;
// execution is sequential per workflow with bounded parallelism across
// executions.
package workflow

import (
	"time"
)

// Step types.
const (
	StepPrompt      = "prompt"
	StepTemplate    = "template"
	StepConditional = "conditional"
	StepLoop        = "loop"
	StepExtract     = "extract"
	StepSleep       = "sleep"
)

// On-error policies.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorFallback = "fallback"
)

// Workflow is a parsed workflow definition.
type Workflow struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Variables map[string]any `yaml:"variables"`
	Steps     []Step         `yaml:"steps"`

	// unknown holds keys the schema does not define, collected at parse
	// time and reported by Validate.
	unknown []unknownKey
}

// Step is one workflow step. Which fields apply depends on Type; the
// validator rejects fields that do not belong to the declared type.
type Step struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// prompt
	Model        string         `yaml:"model"`
	Prompt       string         `yaml:"prompt"`
	SystemPrompt string         `yaml:"system-prompt"`
	Parameters   map[string]any `yaml:"parameters"`

	// template
	Template string         `yaml:"template"`
	With     map[string]any `yaml:"with"`

	// conditional
	Then *Step `yaml:"then"`
	Else *Step `yaml:"else"`

	// loop
	Over string `yaml:"over"`
	As   string `yaml:"as"`
	Body []Step `yaml:"body"`

	// extract
	From     string  `yaml:"from"`
	Pattern  string  `yaml:"pattern"`
	JSONPath string  `yaml:"json-path"`
	Default  *string `yaml:"default"`

	// sleep
	Seconds float64 `yaml:"seconds"`

	DependsOn      []string   `yaml:"depends-on"`
	Condition      string     `yaml:"condition"`
	OutputVar      string     `yaml:"output-var"`
	TimeoutSeconds int        `yaml:"timeout-seconds"`
	Retry          *RetrySpec `yaml:"retry"`
	OnError        string     `yaml:"on-error"`
}

// RetrySpec mirrors the chain retry policy in workflow YAML terms.
type RetrySpec struct {
	MaxAttempts  int     `yaml:"max-attempts"`
	Backoff      string  `yaml:"backoff"`
	InitialDelay float64 `yaml:"initial-delay"`
	MaxDelay     float64 `yaml:"max-delay"`
}

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Step execution statuses additionally include skipped, for steps whose
// condition evaluated false.
const StatusSkipped = "skipped"

// Execution is the record of one workflow run.
type Execution struct {
	ID         string          `json:"execution_id"`
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
	Steps      []StepExecution `json:"steps"`
	Variables  map[string]any  `json:"variables"`
	Error      string          `json:"error,omitempty"`
}

// StepExecution is the record of one step within an execution.
type StepExecution struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DurationMS    int64     `json:"duration_ms"`
	RetryCount    int       `json:"retry_count"`
	ResultPreview string    `json:"result_preview,omitempty"`
	Error         string    `json:"error,omitempty"`
}
