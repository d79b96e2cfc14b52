package chain

import (
	"context"

	"go.uber.org/zap"

	"airouter/internal/llmerr"
	"airouter/internal/provider"
)

// StreamExecute runs the request as a stream. Failures before the first
// chunk has been delivered to the caller fall back to the next provider with
// identical request parameters; once any chunk is out, a failure terminates
// the stream with the classified error. There is never cross-provider
// merging of partial output.
func (c *Chain) StreamExecute(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	out := make(chan provider.StreamEvent)

	go func() {
		defer close(out)

		var lastErr *llmerr.Error
		var tried []string

		for _, p := range c.providers {
			tried = append(tried, p.Name())

			if ctx.Err() != nil {
				c.deliver(ctx, out, provider.StreamEvent{Err: c.cancelled(ctx, tried)})
				return
			}

			events, err := p.StreamExecute(ctx, req)
			if err != nil {
				lastErr = c.classifyFor(p, err)
				if lastErr.Kind == llmerr.KindCancelled {
					c.deliver(ctx, out, provider.StreamEvent{Err: c.cancelled(ctx, tried)})
					return
				}
				if !lastErr.Retryable() {
					break
				}
				c.logger.Warn("stream setup failed, trying next provider",
					zap.String("provider", p.Name()),
					zap.String("kind", string(lastErr.Kind)))
				continue
			}

			done, failErr := c.relay(ctx, p, events, out, tried)
			if done {
				return
			}
			// The provider failed before its first chunk reached the
			// caller; the stream is restartable elsewhere unless the
			// failure would repeat on every provider.
			lastErr = failErr
			if lastErr != nil && !lastErr.Retryable() {
				break
			}
		}

		if lastErr == nil {
			lastErr = llmerr.New(llmerr.KindServerError, "no provider produced a stream")
		}
		surfaced := *lastErr
		surfaced.Tried = tried
		c.deliver(ctx, out, provider.StreamEvent{Err: &surfaced})
	}()

	return out, nil
}

// relay forwards provider events to the caller. done=true means the stream
// finished terminally (final artifact, post-chunk error, or cancellation);
// done=false with a non-nil failErr means the provider failed before its
// first chunk reached the caller and the chain may fall back.
func (c *Chain) relay(ctx context.Context, p provider.Provider, events <-chan provider.StreamEvent, out chan<- provider.StreamEvent, tried []string) (done bool, failErr *llmerr.Error) {
	delivered := false
	for ev := range events {
		switch {
		case ev.Err != nil:
			classified := c.classifyFor(p, ev.Err)
			if classified.Kind == llmerr.KindCancelled {
				c.deliver(ctx, out, provider.StreamEvent{Err: c.cancelled(ctx, tried)})
				return true, nil
			}
			if !delivered {
				// Pre-first-chunk failure: eligible for fallback.
				return false, classified
			}
			surfaced := *classified
			surfaced.Tried = tried
			c.deliver(ctx, out, provider.StreamEvent{Err: &surfaced})
			return true, nil

		case ev.Final != nil:
			c.deliver(ctx, out, ev)
			return true, nil

		default:
			if !c.deliver(ctx, out, ev) {
				return true, nil
			}
			delivered = true
		}
	}
	// Provider closed without a terminal event; treat as a backend fault.
	truncated := llmerr.New(llmerr.KindModelError, "stream ended without result").WithProvider(p.Name())
	if !delivered {
		return false, truncated
	}
	truncated.Tried = tried
	c.deliver(ctx, out, provider.StreamEvent{Err: truncated})
	return true, nil
}

func (c *Chain) classifyFor(p provider.Provider, err error) *llmerr.Error {
	classified := llmerr.Classify(err, 0)
	if classified.Provider == "" {
		classified = classified.WithProvider(p.Name())
	}
	return classified
}

func (c *Chain) deliver(ctx context.Context, out chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
