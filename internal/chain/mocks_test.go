package chain

import (
	"context"
	"sync"

	"airouter/internal/provider"
)

// stubProvider scripts per-call results for chain tests.
type stubProvider struct {
	name string

	mu       sync.Mutex
	calls    int
	execFn   func(call int, req provider.Request) (*provider.Response, error)
	streamFn func(call int, req provider.Request) ([]provider.StreamEvent, error)
	models   []provider.ModelDescriptor
	validErr error
	closed   bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Info() provider.Info {
	return provider.Info{Name: s.name, Kind: provider.KindHTTPAPI, Status: "ready"}
}

func (s *stubProvider) Execute(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.execFn
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &provider.Response{Text: "ok", ProviderName: s.name, ModelID: req.ModelID}, nil
	}
	resp, err := fn(call, req)
	if resp != nil && resp.ProviderName == "" {
		resp.ProviderName = s.name
	}
	return resp, err
}

func (s *stubProvider) StreamExecute(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.streamFn
	s.mu.Unlock()

	var events []provider.StreamEvent
	if fn != nil {
		var err error
		events, err = fn(call, req)
		if err != nil {
			return nil, err
		}
	}

	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *stubProvider) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return s.models, nil
}

func (s *stubProvider) ValidateConfig(ctx context.Context) error { return s.validErr }

func (s *stubProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
