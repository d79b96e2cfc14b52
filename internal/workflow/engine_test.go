package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airouter/internal/chain"
	"airouter/internal/llmerr"
	"airouter/internal/provider"
	"airouter/internal/store"
)

// scriptedProvider answers Execute calls from a queue of responses.
type scriptedProvider struct {
	mu      sync.Mutex
	name    string
	answers []any // string responses or error values, consumed in order
	calls   int
	prompts []string
}

func (p *scriptedProvider) Name() string { return p.name }
func (p *scriptedProvider) ListModels(context.Context) ([]provider.ModelDescriptor, error) {
	return nil, nil
}
func (p *scriptedProvider) ValidateConfig(context.Context) error { return nil }
func (p *scriptedProvider) Info() provider.Info                  { return provider.Info{Name: p.name} }
func (p *scriptedProvider) Close() error                         { return nil }

func (p *scriptedProvider) Execute(_ context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.prompts = append(p.prompts, req.Prompt)
	if len(p.answers) == 0 {
		return &provider.Response{Text: "default", ProviderName: p.name, ModelID: req.ModelID}, nil
	}
	next := p.answers[0]
	p.answers = p.answers[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return &provider.Response{Text: next.(string), ProviderName: p.name, ModelID: req.ModelID, TokensIn: 2, TokensOut: 3}, nil
}

func (p *scriptedProvider) StreamExecute(context.Context, provider.Request) (<-chan provider.StreamEvent, error) {
	return nil, llmerr.New(llmerr.KindModelError, "streaming not scripted")
}

// slowProvider blocks until its delay elapses or the request context expires.
type slowProvider struct {
	scriptedProvider
	delay time.Duration
}

func (p *slowProvider) Execute(ctx context.Context, req provider.Request) (*provider.Response, error) {
	select {
	case <-time.After(p.delay):
		return p.scriptedProvider.Execute(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestEngine(t *testing.T, cfg Config, providers ...provider.Provider) *Engine {
	t.Helper()
	ch, err := chain.New(providers)
	require.NoError(t, err)
	return NewEngine(ch, cfg)
}

func readTrace(t *testing.T, dir, executionID string) []TraceEvent {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, executionID+".ndjson"))
	require.NoError(t, err)
	defer f.Close()

	var events []TraceEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev TraceEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "every line parses on its own")
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestTwoStepPromptWorkflow(t *testing.T) {
	p := &scriptedProvider{name: "stub", answers: []any{"A", "echo: A"}}
	traceDir := t.TempDir()
	e := newTestEngine(t, Config{TraceDir: traceDir}, p)

	wf := mustParse(t, `
id: two-step
steps:
  - name: first-step
    type: prompt
    model: m
    prompt: "say A"
    output-var: first
  - name: second-step
    type: prompt
    model: m
    prompt: "echo {{first}}"
    output-var: second
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "A", exec.Variables["first"])
	assert.Equal(t, "echo: A", exec.Variables["second"])
	require.Len(t, p.prompts, 2)
	assert.Equal(t, "echo A", p.prompts[1], "second prompt sees the first step's output")

	events := readTrace(t, traceDir, exec.ID)
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	want := []string{
		EventWorkflowStart,
		EventStepStart, EventStepEnd,
		EventStepStart, EventStepEnd,
		EventWorkflowEnd,
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("trace event order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, StatusCompleted, events[len(events)-1].Status)
}

func TestExecuteRejectsInvalidWorkflow(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})
	wf := mustParse(t, `
id: bad
steps:
  - name: s
    type: prompt
`)
	_, err := e.Execute(context.Background(), wf, ExecOptions{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStepConditionSkips(t *testing.T) {
	p := &scriptedProvider{name: "stub"}
	e := newTestEngine(t, Config{}, p)
	wf := mustParse(t, `
id: gated
variables:
  run_it: false
steps:
  - name: maybe
    type: prompt
    model: m
    prompt: "should not run"
    condition: run_it
    output-var: out
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, StatusSkipped, exec.Steps[0].Status)
	assert.Equal(t, 0, p.calls)
	_, bound := exec.Variables["out"]
	assert.False(t, bound)
}

func TestInputsOverrideVariables(t *testing.T) {
	p := &scriptedProvider{name: "stub", answers: []any{"ok"}}
	e := newTestEngine(t, Config{}, p)
	wf := mustParse(t, `
id: inputs
variables:
  topic: default-topic
steps:
  - name: ask
    type: prompt
    model: m
    prompt: "about {{topic}}"
`)

	_, err := e.Execute(context.Background(), wf, ExecOptions{Inputs: map[string]any{"topic": "gophers"}})
	require.NoError(t, err)
	require.Len(t, p.prompts, 1)
	assert.Equal(t, "about gophers", p.prompts[0])
}

func TestTemplateStep(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})
	wf := mustParse(t, `
id: tpl
variables:
  name: world
steps:
  - name: render
    type: template
    template: "hello {{name}}, mode={{mode}}"
    with:
      mode: fast
    output-var: rendered
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello world, mode=fast", exec.Variables["rendered"])
}

func TestConditionalStepBranches(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})
	wf := mustParse(t, `
id: branchy
variables:
  lang: go
steps:
  - name: pick
    type: conditional
    condition: 'lang == "go"'
    then:
      name: then-branch
      type: template
      template: "gopher"
      output-var: pick_result
    else:
      name: else-branch
      type: template
      template: "other"
      output-var: pick_result
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gopher", exec.Variables["pick_result"])
}

func TestLoopStep(t *testing.T) {
	p := &scriptedProvider{name: "stub", answers: []any{"r1", "r2", "r3"}}
	e := newTestEngine(t, Config{}, p)
	wf := mustParse(t, `
id: loopy
variables:
  items: [one, two, three]
steps:
  - name: each
    type: loop
    over: items
    as: item
    body:
      - name: visit
        type: prompt
        model: m
        prompt: "visit {{item}}"
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, []string{"visit one", "visit two", "visit three"}, p.prompts)
	_, leaked := exec.Variables["item"]
	assert.False(t, leaked, "loop variable does not outlive the loop")
}

func TestLoopOnErrorContinueSkipsItem(t *testing.T) {
	p := &scriptedProvider{name: "stub", answers: []any{
		"ok-1",
		llmerr.New(llmerr.KindInvalidParameter, "bad item"),
		"ok-3",
	}}
	e := newTestEngine(t, Config{}, p)
	wf := mustParse(t, `
id: loopy
variables:
  items: [a, b, c]
steps:
  - name: each
    type: loop
    over: items
    as: item
    on-error: continue
    body:
      - name: visit
        type: prompt
        model: m
        prompt: "visit {{item}}"
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 3, p.calls, "failing item is skipped, loop continues")
}

func TestExtractStep(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})
	wf := mustParse(t, `
id: extracting
variables:
  text: "the answer is 42 today"
  blob: '{"user": {"name": "ada"}}'
steps:
  - name: number
    type: extract
    from: "{{text}}"
    pattern: 'answer is (?P<value>\d+)'
    output-var: answer
  - name: json-field
    type: extract
    from: "{{blob}}"
    json-path: "$.user.name"
    output-var: who
  - name: missing-with-default
    type: extract
    from: "{{text}}"
    pattern: '(?P<value>zebra)'
    default: "none"
    output-var: fallback_value
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "42", exec.Variables["answer"])
	assert.Equal(t, "ada", exec.Variables["who"])
	assert.Equal(t, "none", exec.Variables["fallback_value"])
}

func TestExtractMissingWithoutDefaultFails(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})
	wf := mustParse(t, `
id: extracting
variables:
  text: "nothing here"
steps:
  - name: find
    type: extract
    from: "{{text}}"
    pattern: '(?P<value>zebra)'
    output-var: v
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindInvalidParameter, llmerr.KindOf(err))
	assert.Equal(t, StatusFailed, exec.Status)
}

func TestOnErrorContinueLeavesOutputUnset(t *testing.T) {
	p := &scriptedProvider{name: "stub", answers: []any{
		llmerr.New(llmerr.KindInvalidParameter, "rejected"),
		"second",
	}}
	e := newTestEngine(t, Config{}, p)
	wf := mustParse(t, `
id: tolerant
steps:
  - name: flaky
    type: prompt
    model: m
    prompt: "try"
    on-error: continue
    output-var: flaky_out
  - name: after
    type: prompt
    model: m
    prompt: "next"
    output-var: after_out
`)

	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, StatusFailed, exec.Steps[0].Status)
	_, bound := exec.Variables["flaky_out"]
	assert.False(t, bound)
	assert.Equal(t, "second", exec.Variables["after_out"])
}

func TestStepRetryUsesBackoffSchedule(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})

	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	wf := mustParse(t, `
id: retry-sleep
steps:
  - name: nap
    type: sleep
    seconds: 1
`)
	// sleep steps go through the injected sleeper too, so the schedule is
	// observable without waiting.
	_, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, sleeps)
}

func TestPromptStepTimeout(t *testing.T) {
	p := &slowProvider{scriptedProvider: scriptedProvider{name: "slow"}, delay: 10 * time.Second}
	e := newTestEngine(t, Config{}, p)

	wf := mustParse(t, `
id: slow-backend
steps:
  - name: stuck
    type: prompt
    model: m
    prompt: "hang"
    timeout-seconds: 1
`)

	start := time.Now()
	exec, err := e.Execute(context.Background(), wf, ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindTimeout, llmerr.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second, "step deadline cuts off the slow backend")

	require.NotNil(t, exec)
	assert.Equal(t, StatusFailed, exec.Status)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, StatusFailed, exec.Steps[0].Status)
}

func TestWorkflowCancellation(t *testing.T) {
	e := newTestEngine(t, Config{}, &scriptedProvider{name: "stub"})
	ctx, cancel := context.WithCancel(context.Background())

	wf := mustParse(t, `
id: sleepy
steps:
  - name: long-nap
    type: sleep
    seconds: 30
`)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	exec, err := e.Execute(ctx, wf, ExecOptions{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation interrupts the sleep")
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Equal(t, llmerr.KindCancelled, llmerr.KindOf(err))
}

func TestPromptStepAppendsToSession(t *testing.T) {
	st, err := store.Open(context.Background(), store.DefaultConfig(filepath.Join(t.TempDir(), "s.db")))
	require.NoError(t, err)
	defer st.Close()

	sessionID, err := st.CreateSession(context.Background(), "m", "wf run")
	require.NoError(t, err)

	p := &scriptedProvider{name: "stub", answers: []any{"answer text"}}
	e := newTestEngine(t, Config{Store: st}, p)
	wf := mustParse(t, `
id: recorded
steps:
  - name: ask
    type: prompt
    model: m
    prompt: "the question"
`)

	_, err = e.Execute(context.Background(), wf, ExecOptions{SessionID: sessionID})
	require.NoError(t, err)

	msgs, err := st.GetMessages(context.Background(), sessionID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "the question", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "answer text", msgs[1].Content)
}

func TestConcurrencyLimit(t *testing.T) {
	e := newTestEngine(t, Config{MaxConcurrent: 1}, &scriptedProvider{name: "stub"})

	wf := mustParse(t, `
id: solo
steps:
  - name: nap
    type: sleep
    seconds: 1
`)
	block := make(chan struct{})
	e.sleep = func(ctx context.Context, d time.Duration) error {
		<-block
		return nil
	}

	started := make(chan struct{})
	go func() {
		close(started)
		e.Execute(context.Background(), wf, ExecOptions{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// The slot is taken; a second execution must not get in before the
	// context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, wf, ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindCancelled, llmerr.KindOf(err))

	close(block)
}
