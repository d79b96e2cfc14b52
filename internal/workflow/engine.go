package workflow

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"airouter/internal/chain"
	"airouter/internal/llmerr"
	"airouter/internal/provider"
	"airouter/internal/redact"
	"airouter/internal/store"
)

const defaultStepTimeout = 60 * time.Second

// Config tunes an Engine.
type Config struct {
	// MaxConcurrent bounds simultaneous executions.
	MaxConcurrent int

	// TraceDir receives one NDJSON trace file per execution. Empty
	// disables tracing.
	TraceDir string

	// RedactKeys extends the default redaction list for trace output.
	RedactKeys []string

	Logger *zap.Logger

	// Store, when set, records prompt-step exchanges as session messages.
	Store *store.Store
}

// Engine executes validated workflows over a fallback chain. Steps within
// one execution are sequential; executions run in parallel up to
// MaxConcurrent.
type Engine struct {
	chain  *chain.Chain
	store  *store.Store
	logger *zap.Logger
	sem    *semaphore.Weighted
	cfg    Config
	red    *redact.Redactor

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine over the given chain.
func NewEngine(ch *chain.Chain, cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		chain:  ch,
		store:  cfg.Store,
		logger: cfg.Logger.Named("workflow"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:    cfg,
		red:    redact.New(cfg.RedactKeys...),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// ExecOptions carries per-execution settings.
type ExecOptions struct {
	// Inputs overlays the workflow's declared variables.
	Inputs map[string]any

	// SessionID, when set, appends each prompt step's request and response
	// to that session.
	SessionID string
}

// Execute validates and runs one workflow to completion. The returned
// Execution is populated even when err is non-nil; its Status tells
// completed, failed, or cancelled apart.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, opts ExecOptions) (*Execution, error) {
	if err := Validate(wf); err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, llmerr.Wrap(llmerr.KindCancelled, err, "execution slot wait aborted")
	}
	defer e.sem.Release(1)

	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     StatusRunning,
		StartedAt:  e.now().UTC(),
		Variables:  map[string]any{},
	}
	for k, v := range wf.Variables {
		exec.Variables[k] = v
	}
	for k, v := range opts.Inputs {
		exec.Variables[k] = v
	}

	var tracer *Tracer
	if e.cfg.TraceDir != "" {
		var err error
		tracer, err = NewTracer(e.cfg.TraceDir, exec.ID, wf.ID, e.red)
		if err != nil {
			return nil, err
		}
		defer tracer.Close()
	}

	tracer.Emit(TraceEvent{Event: EventWorkflowStart, Status: StatusRunning})
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", wf.ID),
		zap.Int("steps", len(wf.Steps)))

	var execErr error
	for i := range wf.Steps {
		if ctx.Err() != nil {
			exec.Status = StatusCancelled
			execErr = llmerr.Wrap(llmerr.KindCancelled, ctx.Err(), "execution cancelled")
			break
		}
		se, err := e.runStep(ctx, &wf.Steps[i], exec, opts, tracer)
		exec.Steps = append(exec.Steps, se)
		if err != nil {
			if llmerr.IsCancelled(err) {
				exec.Status = StatusCancelled
			} else {
				exec.Status = StatusFailed
			}
			execErr = err
			break
		}
	}
	if exec.Status == StatusRunning {
		exec.Status = StatusCompleted
	}

	exec.EndedAt = e.now().UTC()
	if execErr != nil {
		exec.Error = execErr.Error()
	}
	tracer.Emit(TraceEvent{
		Event:      EventWorkflowEnd,
		Status:     exec.Status,
		DurationMS: exec.EndedAt.Sub(exec.StartedAt).Milliseconds(),
		Error:      exec.Error,
	})
	e.logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", exec.Status))
	return exec, execErr
}

// runStep executes one step with its condition gate, timeout, retry, and
// on-error policy. The returned error is nil when the step succeeded, was
// skipped, or failed with on-error continue.
func (e *Engine) runStep(ctx context.Context, step *Step, exec *Execution, opts ExecOptions, tracer *Tracer) (StepExecution, error) {
	se := StepExecution{Name: step.Name, Status: StatusRunning, StartedAt: e.now().UTC()}

	finish := func(status string, preview string, err error) (StepExecution, error) {
		se.Status = status
		se.EndedAt = e.now().UTC()
		se.DurationMS = se.EndedAt.Sub(se.StartedAt).Milliseconds()
		se.ResultPreview = preview
		if err != nil {
			se.Error = err.Error()
		}
		tracer.Emit(TraceEvent{
			Event:         EventStepEnd,
			Step:          step.Name,
			Status:        status,
			DurationMS:    se.DurationMS,
			RetryCount:    se.RetryCount,
			ResultPreview: preview,
			Error:         se.Error,
		})
		return se, err
	}

	tracer.Emit(TraceEvent{Event: EventStepStart, Step: step.Name, Status: StatusRunning})

	// The condition gate. Conditional steps use their condition for branch
	// selection instead.
	if step.Condition != "" && step.Type != StepConditional {
		ok, err := EvalCondition(step.Condition, exec.Variables)
		if err != nil {
			return finish(StatusFailed, "", llmerr.Wrap(llmerr.KindInvalidParameter, err, "condition failed: %v", err))
		}
		if !ok {
			return finish(StatusSkipped, "", nil)
		}
	}

	timeout := defaultStepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}

	policy := retryPolicyOf(step.Retry)

	var result any
	var err error
	if step.Type == StepPrompt {
		// The chain owns retries for prompt steps so the backoff schedule
		// and per-provider attempt accounting stay in one place.
		var attempts int
		result, attempts, err = e.runPrompt(ctx, step, exec, opts, timeout, policy)
		se.RetryCount = attempts - 1
	} else {
		result, err = e.runWithRetry(ctx, step, exec, opts, tracer, timeout, policy, &se)
	}

	if err != nil {
		switch onError(step) {
		case OnErrorContinue:
			e.logger.Warn("step failed, continuing",
				zap.String("step", step.Name), zap.Error(err))
			return finish(StatusFailed, "", nil)
		case OnErrorFallback:
			// Prompt steps already exhaust the chain's fallback path; for
			// every other type there is no secondary to run.
			if step.Type != StepPrompt {
				e.logger.Warn("step failed, continuing",
					zap.String("step", step.Name), zap.Error(err))
				return finish(StatusFailed, "", nil)
			}
		}
		return finish(failStatus(err), "", err)
	}

	preview := ""
	if result != nil {
		preview = stringify(result)
		if step.OutputVar != "" {
			exec.Variables[step.OutputVar] = result
		}
	}
	return finish(StatusCompleted, preview, nil)
}

func failStatus(err error) string {
	if llmerr.IsCancelled(err) {
		return StatusCancelled
	}
	return StatusFailed
}

func onError(step *Step) string {
	if step.OnError == "" {
		return OnErrorFail
	}
	return step.OnError
}

func retryPolicyOf(r *RetrySpec) chain.RetryPolicy {
	policy := chain.RetryPolicy{
		MaxAttempts:  1,
		Backoff:      chain.BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
	}
	if r == nil {
		return policy
	}
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.Backoff != "" {
		policy.Backoff = chain.Backoff(r.Backoff)
	}
	if r.InitialDelay > 0 {
		policy.InitialDelay = time.Duration(r.InitialDelay * float64(time.Second))
	}
	if r.MaxDelay > 0 {
		policy.MaxDelay = time.Duration(r.MaxDelay * float64(time.Second))
	}
	return policy
}

// runWithRetry drives non-prompt steps through the shared backoff schedule.
func (e *Engine) runWithRetry(ctx context.Context, step *Step, exec *Execution, opts ExecOptions, tracer *Tracer, timeout time.Duration, policy chain.RetryPolicy, se *StepExecution) (any, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, ctx.Err(), "step cancelled")
		}

		result, err := e.runOnce(ctx, step, exec, opts, tracer, timeout)
		if err == nil {
			return result, nil
		}
		classified := llmerr.Classify(err, 0)
		if classified.Kind == llmerr.KindCancelled {
			return nil, classified
		}
		lastErr = classified
		if !classified.Retryable() || attempt >= policy.MaxAttempts {
			return nil, lastErr
		}

		se.RetryCount++
		tracer.Emit(TraceEvent{
			Event:      EventRetry,
			Step:       step.Name,
			RetryCount: se.RetryCount,
			Error:      classified.Error(),
		})
		if err := e.sleep(ctx, policy.Delay(attempt)); err != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, err, "step cancelled during backoff")
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, step *Step, exec *Execution, opts ExecOptions, tracer *Tracer, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch step.Type {
	case StepTemplate:
		return e.runTemplate(step, exec)
	case StepConditional:
		return e.runConditional(ctx, step, exec, opts, tracer)
	case StepLoop:
		return e.runLoop(ctx, step, exec, opts, tracer)
	case StepExtract:
		return e.runExtract(step, exec)
	case StepSleep:
		d := time.Duration(step.Seconds * float64(time.Second))
		if err := e.sleep(ctx, d); err != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, err, "sleep interrupted")
		}
		return nil, nil
	default:
		return nil, llmerr.New(llmerr.KindInvalidParameter, "step type %q is not executable", step.Type)
	}
}

func (e *Engine) runPrompt(ctx context.Context, step *Step, exec *Execution, opts ExecOptions, timeout time.Duration, policy chain.RetryPolicy) (any, int, error) {
	prompt, err := Substitute(step.Prompt, exec.Variables)
	if err != nil {
		return nil, 1, err
	}
	system, err := Substitute(step.SystemPrompt, exec.Variables)
	if err != nil {
		return nil, 1, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := provider.Request{
		ModelID:      step.Model,
		Prompt:       prompt,
		SystemPrompt: system,
		Parameters:   step.Parameters,
	}
	res, err := e.chain.ExecuteWithPolicy(ctx, req, policy)
	if err != nil {
		return nil, 1, err
	}

	e.recordExchange(ctx, opts.SessionID, req, res.Response)
	return res.Text, res.Attempts, nil
}

// recordExchange persists a prompt step's request and response as session
// messages. Persistence failures are logged, not fatal to the step.
func (e *Engine) recordExchange(ctx context.Context, sessionID string, req provider.Request, res *provider.Response) {
	if e.store == nil || sessionID == "" {
		return
	}
	if _, err := e.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID, Role: "user", Content: req.Prompt, TokensUsed: res.TokensIn, ModelID: req.ModelID,
	}); err != nil {
		e.logger.Warn("recording user message failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if _, err := e.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID, Role: "assistant", Content: res.Text, TokensUsed: res.TokensOut, ModelID: res.ModelID,
	}); err != nil {
		e.logger.Warn("recording assistant message failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (e *Engine) runTemplate(step *Step, exec *Execution) (any, error) {
	vars := exec.Variables
	if len(step.With) > 0 {
		vars = make(map[string]any, len(exec.Variables)+len(step.With))
		for k, v := range exec.Variables {
			vars[k] = v
		}
		for k, v := range step.With {
			vars[k] = v
		}
	}
	return Substitute(step.Template, vars)
}

func (e *Engine) runConditional(ctx context.Context, step *Step, exec *Execution, opts ExecOptions, tracer *Tracer) (any, error) {
	ok, err := EvalCondition(step.Condition, exec.Variables)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "condition failed: %v", err)
	}
	branch := step.Then
	if !ok {
		branch = step.Else
	}
	if branch == nil {
		return nil, nil
	}
	if _, err := e.runStep(ctx, branch, exec, opts, tracer); err != nil {
		return nil, err
	}
	if branch.OutputVar != "" {
		return exec.Variables[branch.OutputVar], nil
	}
	return nil, nil
}

func (e *Engine) runLoop(ctx context.Context, step *Step, exec *Execution, opts ExecOptions, tracer *Tracer) (any, error) {
	over, ok := lookupPath(exec.Variables, varName(step.Over))
	if !ok {
		return nil, llmerr.New(llmerr.KindInvalidParameter, "loop over %q: variable is not defined", step.Over)
	}
	items, ok := over.([]any)
	if !ok {
		return nil, llmerr.New(llmerr.KindInvalidParameter,
			"loop over %q: got %s, expected a sequence", step.Over, typeName(normalize(over)))
	}

	saved, hadSaved := exec.Variables[step.As]
	defer func() {
		if hadSaved {
			exec.Variables[step.As] = saved
		} else {
			delete(exec.Variables, step.As)
		}
	}()

	for _, item := range items {
		if ctx.Err() != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, ctx.Err(), "loop cancelled")
		}
		exec.Variables[step.As] = item

		itemFailed := false
		for i := range step.Body {
			if _, err := e.runStep(ctx, &step.Body[i], exec, opts, tracer); err != nil {
				if llmerr.IsCancelled(err) {
					return nil, err
				}
				if onError(step) == OnErrorContinue {
					itemFailed = true
					break
				}
				return nil, err
			}
		}
		if itemFailed {
			continue
		}
	}
	return nil, nil
}

// jsonPathIndex rewrites [n] segments to .n so one traversal handles both.
var jsonPathIndex = regexp.MustCompile(`\[(\d+)\]`)

func (e *Engine) runExtract(step *Step, exec *Execution) (any, error) {
	input, err := Substitute(step.From, exec.Variables)
	if err != nil {
		return nil, err
	}

	var result any
	found := false

	if step.Pattern != "" {
		re, err := regexp.Compile(step.Pattern)
		if err != nil {
			return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "extract pattern: %v", err)
		}
		match := re.FindStringSubmatch(input)
		if match != nil {
			for i, group := range re.SubexpNames() {
				if group != "" && i < len(match) {
					result = match[i]
					found = true
					break
				}
			}
		}
	} else {
		var doc any
		if err := json.Unmarshal([]byte(input), &doc); err != nil {
			return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "extract input is not valid JSON: %v", err)
		}
		path := strings.TrimPrefix(step.JSONPath, "$")
		path = strings.TrimPrefix(path, ".")
		path = jsonPathIndex.ReplaceAllString(path, ".$1")
		path = strings.Trim(path, ".")
		result, found = lookupPath(map[string]any{"$": doc}, "$."+path)
		if path == "" {
			result, found = doc, true
		}
	}

	if !found {
		if step.Default != nil {
			return *step.Default, nil
		}
		return nil, llmerr.New(llmerr.KindInvalidParameter, "extract found no match and no default is set")
	}
	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
