package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airouter/internal/redact"
)

// Trace event names.
const (
	EventWorkflowStart = "workflow-start"
	EventStepStart     = "step-start"
	EventRetry         = "retry"
	EventStepEnd       = "step-end"
	EventWorkflowEnd   = "workflow-end"
)

// previewLimit caps result previews in trace records.
const previewLimit = 500

// TraceEvent is one newline-delimited JSON record in an execution's trace
// file. Records are flushed per line so a live run can be tailed.
type TraceEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	ExecutionID   string    `json:"execution_id"`
	WorkflowID    string    `json:"workflow_id"`
	Event         string    `json:"event"`
	Step          string    `json:"step,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	RetryCount    int       `json:"retry_count,omitempty"`
	Status        string    `json:"status,omitempty"`
	ResultPreview string    `json:"result_preview,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Tracer writes one execution's trace stream. Safe for use from the single
// execution goroutine; the mutex only guards against Close racing a write.
type Tracer struct {
	mu          sync.Mutex
	w           io.WriteCloser
	enc         *json.Encoder
	red         *redact.Redactor
	executionID string
	workflowID  string
	now         func() time.Time
}

// NewTracer opens a per-execution trace file under dir.
func NewTracer(dir, executionID, workflowID string, red *redact.Redactor) (*Tracer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	path := filepath.Join(dir, executionID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	return newTracer(f, executionID, workflowID, red), nil
}

func newTracer(w io.WriteCloser, executionID, workflowID string, red *redact.Redactor) *Tracer {
	if red == nil {
		red = redact.New()
	}
	return &Tracer{
		w:           w,
		enc:         json.NewEncoder(w),
		red:         red,
		executionID: executionID,
		workflowID:  workflowID,
		now:         time.Now,
	}
}

// Emit writes one event record. Previews and error text pass through the
// redactor and are truncated before hitting disk.
func (t *Tracer) Emit(ev TraceEvent) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return
	}
	ev.Timestamp = t.now().UTC()
	ev.ExecutionID = t.executionID
	ev.WorkflowID = t.workflowID
	ev.ResultPreview = truncate(t.red.String(ev.ResultPreview), previewLimit)
	ev.Error = truncate(t.red.String(ev.Error), previewLimit)
	// A record that fails to encode is dropped rather than corrupting the
	// line-oriented file.
	_ = t.enc.Encode(ev)
}

// Close finishes the trace file.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	err := t.w.Close()
	t.w = nil
	return err
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
