package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"airouter/internal/llmerr"
)

// SubprocessProvider runs prompts by launching a llama.cpp style CLI binary.
// Arguments are always passed as an explicit argv, never through a shell;
// the child receives a minimal environment. A weighted semaphore bounds how
// many subprocesses run at once (default: number of CPU cores).
type SubprocessProvider struct {
	name      string
	binary    string
	modelsDir string
	defaults  map[string]interface{}
	raw       map[string]interface{}
	catalog   *Catalog
	slots     *semaphore.Weighted
	logger    *zap.Logger
}

func newSubprocessProvider(name string, cfg map[string]interface{}, deps Deps) (Provider, error) {
	if err := checkConfigKeys(KindLocalSubprocess, cfg, "binary_path", "default_parameters", "models_dir", "slots"); err != nil {
		return nil, err
	}

	binary, ok := cfgString(cfg, "binary_path")
	if !ok || binary == "" {
		return nil, fmt.Errorf("provider %s: binary_path is required", name)
	}

	p := &SubprocessProvider{
		name:    name,
		binary:  binary,
		catalog: deps.Catalog,
		logger:  deps.Logger.Named("provider").With(zap.String("provider", name)),
	}
	if dir, ok := cfgString(cfg, "models_dir"); ok {
		p.modelsDir = dir
	}
	if defaults, ok := cfgMap(cfg, "default_parameters"); ok {
		if err := ValidateParameters(defaults); err != nil {
			return nil, fmt.Errorf("provider %s: default_parameters: %w", name, err)
		}
		p.defaults = defaults
	}
	if raw, ok := cfgMap(cfg, "raw"); ok {
		p.raw = raw
	}

	slots := int64(runtime.NumCPU())
	if n, ok := cfgInt(cfg, "slots"); ok && n > 0 {
		slots = int64(n)
	}
	p.slots = semaphore.NewWeighted(slots)

	return p, nil
}

// Name implements Provider.
func (p *SubprocessProvider) Name() string { return p.name }

// Info implements Provider.
func (p *SubprocessProvider) Info() Info {
	status := "ready"
	if _, err := exec.LookPath(p.binary); err != nil {
		status = "unavailable"
	}
	return Info{
		Name:         p.name,
		Kind:         KindLocalSubprocess,
		Capabilities: []Capability{CapListModels, CapExecute, CapStream, CapValidate},
		Status:       status,
	}
}

// ListModels returns the catalog models runnable by this provider.
func (p *SubprocessProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return p.catalog.ModelsFor(KindLocalSubprocess), nil
}

// ValidateConfig checks that the binary is resolvable. Per contract it fails
// only with the Connection kind (there are no credentials to check).
func (p *SubprocessProvider) ValidateConfig(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return llmerr.Wrap(llmerr.KindConnection, err, "binary %q not found", p.binary).WithProvider(p.name)
	}
	return nil
}

// Close implements Provider. Subprocesses are per-request; nothing is held.
func (p *SubprocessProvider) Close() error { return nil }

// Execute implements Provider.
func (p *SubprocessProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	argv, err := p.buildArgv(req)
	if err != nil {
		return nil, err
	}
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer p.slots.Release(1)

	start := time.Now()
	cmd := p.command(ctx, argv)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("launching subprocess", zap.String("binary", p.binary), zap.Int("args", len(argv)))

	if runErr := cmd.Run(); runErr != nil {
		return nil, p.classifyRunError(ctx, runErr, stderr.String())
	}

	return &Response{
		Text:         strings.TrimSpace(stdout.String()),
		DurationMS:   durationMS(start),
		ProviderName: p.name,
		ModelID:      req.ModelID,
	}, nil
}

// StreamExecute implements Provider. Chunks are emitted per stdout line; no
// chunk is emitted before the subprocess produces output, so the chain can
// restart the request elsewhere if launch fails.
func (p *SubprocessProvider) StreamExecute(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	argv, err := p.buildArgv(req)
	if err != nil {
		return nil, err
	}
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	cmd := p.command(ctx, argv)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.slots.Release(1)
		return nil, llmerr.Wrap(llmerr.KindModelError, err, "stdout pipe: %v", err).WithProvider(p.name)
	}
	if err := cmd.Start(); err != nil {
		p.slots.Release(1)
		return nil, llmerr.Wrap(llmerr.KindModelError, err, "launch %s: %v", p.binary, err).WithProvider(p.name)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer p.slots.Release(1)

		// Every send races ctx so an abandoned reader can never strand this
		// goroutine; the deferred close signals termination either way.
		emit := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var full strings.Builder
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if full.Len() > 0 {
				full.WriteString("\n")
			}
			full.WriteString(line)
			if !emit(StreamEvent{Text: line + "\n"}) {
				_ = cmd.Wait()
				return
			}
		}

		if waitErr := cmd.Wait(); waitErr != nil {
			emit(StreamEvent{Err: p.classifyRunError(ctx, waitErr, stderr.String())})
			return
		}
		emit(StreamEvent{Final: &Response{
			Text:         strings.TrimSpace(full.String()),
			DurationMS:   durationMS(start),
			ProviderName: p.name,
			ModelID:      req.ModelID,
		}})
	}()
	return events, nil
}

func (p *SubprocessProvider) acquireSlot(ctx context.Context) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return llmerr.Classify(err, 0).WithProvider(p.name)
	}
	return nil
}

// command builds the exec.Cmd with a minimal environment and process-group
// teardown wired to the context (see proc_unix.go / proc_other.go).
func (p *SubprocessProvider) command(ctx context.Context, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.binary, argv...)
	cmd.Env = childEnv()
	configureProcessGroup(cmd)
	return cmd
}

// buildArgv composes the llama.cpp style argument vector from the model
// descriptor and the validated parameters. Explicit argv only; nothing here
// is ever joined into a shell string.
func (p *SubprocessProvider) buildArgv(req Request) ([]string, error) {
	if err := validateRequest(req); err != nil {
		return nil, err.WithProvider(p.name)
	}

	model, err := p.catalog.Lookup(req.ModelID)
	if err != nil {
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}
	if model.Framework != KindLocalSubprocess {
		return nil, llmerr.New(llmerr.KindNotFound, "model %q requires framework %s", req.ModelID, model.Framework).WithProvider(p.name)
	}

	modelPath := model.Path
	if p.modelsDir != "" && !filepath.IsAbs(modelPath) {
		modelPath = filepath.Join(p.modelsDir, modelPath)
	}

	prompt := req.Prompt
	if strings.TrimSpace(req.SystemPrompt) != "" {
		prompt = fmt.Sprintf("[System Instructions]\n%s\n\n[User Request]\n%s", req.SystemPrompt, req.Prompt)
	}

	argv := []string{"-m", modelPath, "-p", prompt, "--no-display-prompt"}

	params := mergeParams(p.defaults, model.RecommendedParameters, req.Parameters)
	for _, name := range []string{ParamTemperature, ParamTopP, ParamTopK, ParamMaxTokens, ParamSeed, ParamRepeatPenalty} {
		v, ok := params[name]
		if !ok {
			continue
		}
		argv = append(argv, subprocessFlags[name], paramString(v))
	}
	if v, ok := params[ParamStop]; ok {
		stops, _ := asStringSlice(v)
		for _, s := range stops {
			argv = append(argv, "-r", s)
		}
	}

	// Opaque backend-specific flags, appended verbatim as flag/value pairs.
	for flag, v := range p.raw {
		argv = append(argv, flag, paramString(v))
	}

	return argv, nil
}

// subprocessFlags maps the normalized parameter names to llama.cpp CLI
// spellings.
var subprocessFlags = map[string]string{
	ParamTemperature:   "--temp",
	ParamTopP:          "--top-p",
	ParamTopK:          "--top-k",
	ParamMaxTokens:     "-n",
	ParamSeed:          "--seed",
	ParamRepeatPenalty: "--repeat-penalty",
}

// mergeParams layers parameter maps, later maps winning.
func mergeParams(layers ...map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func (p *SubprocessProvider) classifyRunError(ctx context.Context, runErr error, stderr string) error {
	if ctx.Err() != nil {
		return llmerr.Classify(ctx.Err(), 0).WithProvider(p.name)
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = runErr.Error()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return llmerr.Wrap(llmerr.KindModelError, runErr, "exit status %d: %s", exitErr.ExitCode(), truncate(msg, 500)).WithProvider(p.name)
	}
	return llmerr.Wrap(llmerr.KindModelError, runErr, "%s", truncate(msg, 500)).WithProvider(p.name)
}

// childEnv returns the minimal environment passed to subprocesses. Only path
// resolution and temp dir variables survive; credentials in the parent
// environment are never forwarded.
func childEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "TEMP", "TMP"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
