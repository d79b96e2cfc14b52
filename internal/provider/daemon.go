package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"airouter/internal/llmerr"
)

const defaultDaemonTimeout = 300 * time.Second

// DaemonProvider talks to a local inference daemon (Ollama-style API) over
// HTTP. No credentials: the daemon is assumed to be bound to localhost.
type DaemonProvider struct {
	name       string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	transport  *http.Transport
	logger     *zap.Logger
}

func newDaemonProvider(name string, cfg map[string]interface{}, deps Deps) (Provider, error) {
	if err := checkConfigKeys(KindHTTPLocalDaemon, cfg, "base_url", "timeout_seconds"); err != nil {
		return nil, err
	}

	baseURL, ok := cfgString(cfg, "base_url")
	if !ok || baseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", name)
	}

	p := &DaemonProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultDaemonTimeout,
		logger:  deps.Logger.Named("provider").With(zap.String("provider", name)),
	}
	if secs, ok := cfgInt(cfg, "timeout_seconds"); ok && secs > 0 {
		p.timeout = time.Duration(secs) * time.Second
	}

	p.transport = &http.Transport{
		MaxIdleConns:    defaultMaxIdleConns,
		MaxConnsPerHost: defaultPerHostConns,
		IdleConnTimeout: 90 * time.Second,
	}
	p.httpClient = &http.Client{Transport: p.transport}
	return p, nil
}

// Name implements Provider.
func (p *DaemonProvider) Name() string { return p.name }

// Info implements Provider.
func (p *DaemonProvider) Info() Info {
	return Info{
		Name:         p.name,
		Kind:         KindHTTPLocalDaemon,
		Capabilities: []Capability{CapListModels, CapExecute, CapStream, CapValidate, CapPullModel},
		Status:       "ready",
	}
}

// Close releases pooled connections.
func (p *DaemonProvider) Close() error {
	p.transport.CloseIdleConnections()
	return nil
}

// generateRequest is the daemon's generate API body. Options use the
// daemon's parameter spellings.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
	Stream  bool                   `json:"stream"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// daemonOptions maps the normalized parameter names to the daemon's option
// spellings.
var daemonOptions = map[string]string{
	ParamTemperature:   "temperature",
	ParamTopP:          "top_p",
	ParamTopK:          "top_k",
	ParamMaxTokens:     "num_predict",
	ParamStop:          "stop",
	ParamSeed:          "seed",
	ParamRepeatPenalty: "repeat_penalty",
}

func (p *DaemonProvider) buildBody(req Request, stream bool) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err.WithProvider(p.name)
	}

	body := generateRequest{
		Model:  req.ModelID,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: stream,
	}
	if len(req.Parameters) > 0 {
		body.Options = make(map[string]interface{}, len(req.Parameters))
		for name, v := range req.Parameters {
			body.Options[daemonOptions[name]] = v
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "marshal request: %v", err).WithProvider(p.name)
	}
	return data, nil
}

func (p *DaemonProvider) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "create request: %v", err).WithProvider(p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return nil, llmerr.Classify(fmt.Errorf("%s", msg), resp.StatusCode).WithProvider(p.name)
	}
	return resp, nil
}

// Execute implements Provider.
func (p *DaemonProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.post(ctx, "/api/generate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, llmerr.Wrap(llmerr.KindServerError, err, "parse response: %v", err).WithProvider(p.name)
	}
	if parsed.Error != "" {
		return nil, llmerr.Classify(fmt.Errorf("%s", parsed.Error), 0).WithProvider(p.name)
	}

	return &Response{
		Text:         strings.TrimSpace(parsed.Response),
		TokensIn:     parsed.PromptEvalCount,
		TokensOut:    parsed.EvalCount,
		DurationMS:   durationMS(start),
		ProviderName: p.name,
		ModelID:      req.ModelID,
	}, nil
}

// StreamExecute implements Provider. The daemon streams newline-delimited
// JSON objects; each carries one response fragment.
func (p *DaemonProvider) StreamExecute(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)

	start := time.Now()
	resp, err := p.post(streamCtx, "/api/generate", body)
	if err != nil {
		cancel()
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer cancel()
		defer resp.Body.Close()

		var full strings.Builder
		var tokensIn, tokensOut int

		emit := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-streamCtx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk generateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				emit(StreamEvent{Err: llmerr.Wrap(llmerr.KindServerError, err, "parse stream chunk: %v", err).WithProvider(p.name)})
				return
			}
			if chunk.Error != "" {
				emit(StreamEvent{Err: llmerr.Classify(fmt.Errorf("%s", chunk.Error), 0).WithProvider(p.name)})
				return
			}
			if chunk.Response != "" {
				full.WriteString(chunk.Response)
				if !emit(StreamEvent{Text: chunk.Response}) {
					return
				}
			}
			if chunk.Done {
				tokensIn = chunk.PromptEvalCount
				tokensOut = chunk.EvalCount
				break
			}
		}
		if err := scanner.Err(); err != nil {
			emit(StreamEvent{Err: llmerr.Classify(err, 0).WithProvider(p.name)})
			return
		}
		emit(StreamEvent{Final: &Response{
			Text:         full.String(),
			TokensIn:     tokensIn,
			TokensOut:    tokensOut,
			DurationMS:   durationMS(start),
			ProviderName: p.name,
			ModelID:      req.ModelID,
		}})
	}()
	return events, nil
}

// ListModels implements Provider via the daemon's tag listing.
func (p *DaemonProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "create request: %v", err).WithProvider(p.name)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, llmerr.Classify(fmt.Errorf("%s", resp.Status), resp.StatusCode).WithProvider(p.name)
	}

	var listing struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, llmerr.Wrap(llmerr.KindServerError, err, "parse tag listing: %v", err).WithProvider(p.name)
	}

	models := make([]ModelDescriptor, 0, len(listing.Models))
	for _, m := range listing.Models {
		models = append(models, ModelDescriptor{
			ID:          m.Name,
			DisplayName: m.Name,
			Framework:   KindHTTPLocalDaemon,
			RemoteID:    m.Name,
			SizeGB:      float64(m.Size) / (1 << 30),
		})
	}
	return models, nil
}

// ValidateConfig implements Provider: a reachability probe against the tag
// listing. Only the Connection kind escapes.
func (p *DaemonProvider) ValidateConfig(ctx context.Context) error {
	if _, err := p.ListModels(ctx); err != nil {
		return llmerr.Wrap(llmerr.KindConnection, err, "daemon unreachable at %s", p.baseURL).WithProvider(p.name)
	}
	return nil
}
