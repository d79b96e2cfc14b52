package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"airouter/internal/llmerr"
)

const (
	defaultHTTPTimeout  = 120 * time.Second
	defaultMaxIdleConns = 10
	defaultPerHostConns = 4
)

// HTTPProvider talks to an OpenAI-compatible chat completion API over HTTP.
// It owns a pooled transport for its base URL; the per-request timeout is
// independent of the chain's overall attempt timeout.
type HTTPProvider struct {
	name       string
	baseURL    string
	apiKeyEnv  string
	apiKey     string
	headers    map[string]string
	raw        map[string]interface{}
	timeout    time.Duration
	httpClient *http.Client
	transport  *http.Transport
	logger     *zap.Logger
}

func newHTTPProvider(name string, cfg map[string]interface{}, deps Deps) (Provider, error) {
	if err := checkConfigKeys(KindHTTPAPI, cfg,
		"base_url", "api_key", "api_key_env", "default_headers",
		"timeout_seconds", "max_idle_connections", "per_host_connections"); err != nil {
		return nil, err
	}

	baseURL, ok := cfgString(cfg, "base_url")
	if !ok || baseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", name)
	}

	p := &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultHTTPTimeout,
		headers: make(map[string]string),
		logger:  deps.Logger.Named("provider").With(zap.String("provider", name)),
	}
	if keyEnv, ok := cfgString(cfg, "api_key_env"); ok {
		p.apiKeyEnv = keyEnv
	}
	if key, ok := cfgString(cfg, "api_key"); ok {
		p.apiKey = key
	}
	if hdrs, ok := cfgMap(cfg, "default_headers"); ok {
		for k, v := range hdrs {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("provider %s: default_headers[%s] must be a string", name, k)
			}
			p.headers[k] = s
		}
	}
	if secs, ok := cfgInt(cfg, "timeout_seconds"); ok && secs > 0 {
		p.timeout = time.Duration(secs) * time.Second
	}
	if raw, ok := cfgMap(cfg, "raw"); ok {
		p.raw = raw
	}

	maxIdle := defaultMaxIdleConns
	if n, ok := cfgInt(cfg, "max_idle_connections"); ok && n > 0 {
		maxIdle = n
	}
	perHost := defaultPerHostConns
	if n, ok := cfgInt(cfg, "per_host_connections"); ok && n > 0 {
		perHost = n
	}

	p.transport = &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		MaxConnsPerHost:     perHost,
		IdleConnTimeout:     90 * time.Second,
	}
	p.httpClient = &http.Client{Transport: p.transport}

	return p, nil
}

// key resolves the credential: the env-var indirection wins over the inline
// value. Absence is not an error until ValidateConfig or a request needs it.
func (p *HTTPProvider) key() string {
	if p.apiKeyEnv != "" {
		if v := os.Getenv(p.apiKeyEnv); v != "" {
			return v
		}
	}
	return p.apiKey
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// Info implements Provider.
func (p *HTTPProvider) Info() Info {
	status := "ready"
	if p.key() == "" {
		status = "unauthenticated"
	}
	return Info{
		Name:         p.name,
		Kind:         KindHTTPAPI,
		Capabilities: []Capability{CapListModels, CapExecute, CapStream, CapValidate, CapGetCredits},
		Status:       status,
	}
}

// Close releases pooled connections.
func (p *HTTPProvider) Close() error {
	p.transport.CloseIdleConnections()
	return nil
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	Stop          []string      `json:"stop,omitempty"`
	Seed          *int          `json:"seed,omitempty"`
	RepeatPenalty *float64      `json:"frequency_penalty,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// buildBody maps normalized parameters to the backend spelling and composes
// the request JSON.
func (p *HTTPProvider) buildBody(req Request, stream bool) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err.WithProvider(p.name)
	}

	var messages []chatMessage
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: req.ModelID, Messages: messages, Stream: stream}
	for name, v := range req.Parameters {
		switch name {
		case ParamTemperature:
			f, _ := asFloat(v)
			body.Temperature = &f
		case ParamTopP:
			f, _ := asFloat(v)
			body.TopP = &f
		case ParamTopK:
			n, _ := asInt(v)
			body.TopK = &n
		case ParamMaxTokens:
			n, _ := asInt(v)
			body.MaxTokens = &n
		case ParamStop:
			body.Stop, _ = asStringSlice(v)
		case ParamSeed:
			n, _ := asInt(v)
			body.Seed = &n
		case ParamRepeatPenalty:
			f, _ := asFloat(v)
			body.RepeatPenalty = &f
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "marshal request: %v", err).WithProvider(p.name)
	}
	if len(p.raw) == 0 {
		return data, nil
	}

	// Merge opaque pass-through fields into the serialized body.
	var merged map[string]interface{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "merge raw fields: %v", err).WithProvider(p.name)
	}
	for k, v := range p.raw {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindInvalidParameter, err, "create request: %v", err).WithProvider(p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := p.key(); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// Execute implements Provider.
func (p *HTTPProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}
	defer resp.Body.Close()

	// Status before body: classification does not depend on a parseable
	// payload.
	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, llmerr.Wrap(llmerr.KindServerError, err, "parse response: %v", err).WithProvider(p.name)
	}
	if parsed.Error != nil {
		return nil, llmerr.Classify(fmt.Errorf("%s", parsed.Error.Message), 0).WithProvider(p.name)
	}
	if len(parsed.Choices) == 0 {
		return nil, llmerr.New(llmerr.KindModelError, "no completion returned").WithProvider(p.name)
	}

	return &Response{
		Text:         strings.TrimSpace(parsed.Choices[0].Message.Content),
		TokensIn:     parsed.Usage.PromptTokens,
		TokensOut:    parsed.Usage.CompletionTokens,
		DurationMS:   durationMS(start),
		ProviderName: p.name,
		ModelID:      req.ModelID,
	}, nil
}

// StreamExecute implements Provider using server-sent events: events are
// separated by blank lines and data lines within an event are concatenated.
func (p *HTTPProvider) StreamExecute(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)

	httpReq, err := p.newRequest(streamCtx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, p.statusError(resp)
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
		var dataLines []string
		flush := func() bool {
			if len(dataLines) == 0 {
				return true
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]
			if payload == "[DONE]" {
				return true
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				emit(StreamEvent{Err: llmerr.Wrap(llmerr.KindServerError, err, "parse stream chunk: %v", err).WithProvider(p.name)})
				return false
			}
			if chunk.Usage.PromptTokens > 0 {
				tokensIn = chunk.Usage.PromptTokens
			}
			if chunk.Usage.CompletionTokens > 0 {
				tokensOut = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				return true
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				return true
			}
			full.WriteString(text)
			return emit(StreamEvent{Text: text})
		}

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if !flush() {
			return
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

// ListModels implements Provider via the /models listing endpoint.
func (p *HTTPProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	httpReq, err := p.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerr.Classify(err, 0).WithProvider(p.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, llmerr.Wrap(llmerr.KindServerError, err, "parse model listing: %v", err).WithProvider(p.name)
	}

	models := make([]ModelDescriptor, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, ModelDescriptor{
			ID:          m.ID,
			DisplayName: m.ID,
			Framework:   KindHTTPAPI,
			RemoteID:    m.ID,
		})
	}
	return models, nil
}

// ValidateConfig implements Provider. Only Authentication and Connection
// kinds escape, per the contract.
func (p *HTTPProvider) ValidateConfig(ctx context.Context) error {
	if p.key() == "" {
		return llmerr.New(llmerr.KindAuthentication, "no API key configured (set %s)", p.apiKeyEnv).WithProvider(p.name)
	}
	_, err := p.ListModels(ctx)
	if err == nil {
		return nil
	}
	switch llmerr.KindOf(err) {
	case llmerr.KindAuthentication:
		return err
	default:
		return llmerr.Wrap(llmerr.KindConnection, err, "validation probe failed").WithProvider(p.name)
	}
}

// statusError drains enough of an error response to classify it, honouring
// Retry-After on 429.
func (p *HTTPProvider) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}

	e := llmerr.Classify(fmt.Errorf("%s", msg), resp.StatusCode).WithProvider(p.name)
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
