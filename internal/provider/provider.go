// Package provider defines the uniform contract over heterogeneous LLM
// backends and the adapters that implement it: a local subprocess executor
// (llama.cpp style CLI), a remote HTTP API, and a local HTTP daemon.
//
// Adapters classify every failure through llmerr before returning it and
// reject unknown request parameters before any network or process activity.
package provider

import (
	"context"
	"time"

	"airouter/internal/llmerr"
)

// Kind names a provider backend family. The registry maps kinds to adapter
// factories.
type Kind string

const (
	KindLocalSubprocess Kind = "local-subprocess"
	KindHTTPAPI         Kind = "http-api"
	KindHTTPLocalDaemon Kind = "http-local-daemon"
)

// Capability names one operation a provider supports.
type Capability string

const (
	CapListModels   Capability = "list-models"
	CapExecute      Capability = "execute"
	CapStream       Capability = "stream"
	CapValidate     Capability = "validate"
	CapPullModel    Capability = "pull-model"
	CapGetCredits   Capability = "get-credits"
	CapSearchModels Capability = "search-models"
)

// Request is one prompt execution against a model. Stream, timeout and retry
// policy are owned by the fallback chain, not the request.
type Request struct {
	ModelID      string
	Prompt       string
	SystemPrompt string
	Parameters   map[string]interface{}
}

// Response is the terminal artifact of a request, streamed or not.
type Response struct {
	Text         string
	TokensIn     int
	TokensOut    int
	DurationMS   int64
	ProviderName string
	ModelID      string
}

// StreamEvent is one element of a streaming response. Exactly one of the
// fields is set: Text for an intermediate chunk, Final for the terminal
// artifact, Err for a terminal failure. The channel closes after Final or
// Err.
type StreamEvent struct {
	Text  string
	Final *Response
	Err   error
}

// Info describes a provider's identity and current status.
type Info struct {
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind"`
	Capabilities []Capability `json:"capabilities"`
	Status       string       `json:"status"`
}

// Provider is the uniform backend contract. Implementations own their
// network connections and subprocess handles for their lifetime; Close
// releases them.
//
// ValidateConfig may fail only with the Authentication or Connection kinds.
// StreamExecute must be restartable: no partial state is committed until the
// first event is delivered, so the chain may re-issue the identical request
// against another provider.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	ValidateConfig(ctx context.Context) error
	Execute(ctx context.Context, req Request) (*Response, error)
	StreamExecute(ctx context.Context, req Request) (<-chan StreamEvent, error)
	Info() Info
	Close() error
}

// validateRequest runs the shared pre-flight checks every adapter performs
// before touching its backend.
func validateRequest(req Request) *llmerr.Error {
	if req.ModelID == "" {
		return llmerr.New(llmerr.KindInvalidParameter, "model id is required")
	}
	if req.Prompt == "" {
		return llmerr.New(llmerr.KindInvalidParameter, "prompt is required")
	}
	return ValidateParameters(req.Parameters)
}

func durationMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
