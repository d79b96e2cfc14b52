// Package chain composes an ordered sequence of providers into a single
// execution path with retry, timeout, and fallback policy. The chain owns
// all retry state; providers stay policy-free.
package chain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"airouter/internal/llmerr"
	"airouter/internal/provider"
)

// Backoff names a retry delay schedule.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
	BackoffFixed       Backoff = "fixed"
)

// RetryPolicy governs per-provider attempts inside the chain.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        Backoff
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is one attempt, no backoff: fallback without retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// normalize fills zero fields with defaults.
func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	return p
}

// Delay computes the sleep before retry attempt n (1-based: Delay(1) is the
// sleep after the first failure). Exponential doubles from InitialDelay and
// clamps at MaxDelay; linear multiplies; fixed repeats.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case BackoffFixed:
		d = p.InitialDelay
	default: // exponential
		d = p.InitialDelay << uint(attempt-1)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Result is a chain response annotated with which provider served it and on
// which attempt.
type Result struct {
	*provider.Response
	Attempts int
}

// Chain is an ordered, non-empty provider composition.
type Chain struct {
	providers []provider.Provider
	policy    RetryPolicy
	logger    *zap.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Chain.
type Option func(*Chain)

// WithRetryPolicy sets the default per-provider retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Chain) { c.policy = p.normalize() }
}

// WithLogger sets the chain logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) { c.logger = l.Named("chain") }
}

// New builds a chain over the given providers, in fallback order.
func New(providers []provider.Provider, opts ...Option) (*Chain, error) {
	if len(providers) == 0 {
		return nil, llmerr.New(llmerr.KindInvalidParameter, "chain requires at least one provider")
	}
	c := &Chain{
		providers: providers,
		policy:    DefaultRetryPolicy(),
		logger:    zap.NewNop(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Providers returns the composed providers in order.
func (c *Chain) Providers() []provider.Provider { return c.providers }

// Execute runs the request through the chain: for each provider in order,
// up to MaxAttempts tries with backoff on retryable failures. Exhausted
// retryable failures fall back to the next provider; non-retryable failures
// (bad credentials, invalid parameters, missing models, exceeded quota)
// fail the whole chain immediately, since every provider would reject the
// same request. The surfaced error is annotated with the providers tried.
// Cancellation aborts immediately with a Cancelled outcome.
func (c *Chain) Execute(ctx context.Context, req provider.Request) (*Result, error) {
	return c.executeWith(ctx, req, c.policy)
}

// ExecuteWithPolicy runs one request under a caller-supplied policy (the
// workflow engine passes per-step retry settings through here).
func (c *Chain) ExecuteWithPolicy(ctx context.Context, req provider.Request, policy RetryPolicy) (*Result, error) {
	return c.executeWith(ctx, req, policy.normalize())
}

func (c *Chain) executeWith(ctx context.Context, req provider.Request, policy RetryPolicy) (*Result, error) {
	var lastErr *llmerr.Error
	var tried []string

	for _, p := range c.providers {
		tried = append(tried, p.Name())

		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			if ctx.Err() != nil {
				return nil, c.cancelled(ctx, tried)
			}

			resp, err := c.attempt(ctx, p, req, policy.AttemptTimeout)
			if err == nil {
				c.logger.Debug("request served",
					zap.String("provider", p.Name()),
					zap.Int("attempt", attempt))
				return &Result{Response: resp, Attempts: attempt}, nil
			}

			classified := llmerr.Classify(err, 0)
			if classified.Provider == "" {
				classified = classified.WithProvider(p.Name())
			}
			if classified.Kind == llmerr.KindCancelled {
				return nil, c.cancelled(ctx, tried)
			}
			lastErr = classified

			c.logger.Warn("attempt failed",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt),
				zap.String("kind", string(classified.Kind)),
				zap.Bool("retryable", classified.Retryable()))

			if !classified.Retryable() {
				out := *classified
				out.Tried = tried
				return nil, &out
			}
			if attempt == policy.MaxAttempts {
				break // exhausted, next provider
			}

			delay := policy.Delay(attempt)
			if classified.Kind == llmerr.KindRateLimit && classified.RetryAfter > delay {
				delay = classified.RetryAfter
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, c.cancelled(ctx, tried)
			}
		}
	}

	if lastErr == nil {
		lastErr = llmerr.New(llmerr.KindServerError, "no provider produced a result")
	}
	out := *lastErr
	out.Tried = tried
	return nil, &out
}

// attempt runs one provider call under the per-attempt timeout.
func (c *Chain) attempt(ctx context.Context, p provider.Provider, req provider.Request, timeout time.Duration) (*provider.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.Execute(ctx, req)
}

// cancelled builds the distinct cancellation outcome. Timeout of the
// caller's own deadline still surfaces as Timeout; only explicit
// cancellation becomes Cancelled.
func (c *Chain) cancelled(ctx context.Context, tried []string) error {
	kind := llmerr.KindCancelled
	if ctx.Err() == context.DeadlineExceeded {
		kind = llmerr.KindTimeout
	}
	e := llmerr.New(kind, "request aborted")
	e.Tried = tried
	return e
}

// ListModels concatenates model listings across providers, de-duplicating by
// id with the earliest provider winning. Providers that fail to list are
// logged and skipped; the aggregate fails only if every provider fails.
func (c *Chain) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	seen := make(map[string]struct{})
	var out []provider.ModelDescriptor
	var lastErr error
	failures := 0

	for _, p := range c.providers {
		models, err := p.ListModels(ctx)
		if err != nil {
			failures++
			lastErr = err
			c.logger.Warn("list models failed", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		for _, m := range models {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}

	if failures == len(c.providers) && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// ValidateConfig succeeds iff at least one provider validates.
func (c *Chain) ValidateConfig(ctx context.Context) error {
	var lastErr error
	for _, p := range c.providers {
		if err := p.ValidateConfig(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Close closes every provider, returning the first error.
func (c *Chain) Close() error {
	var first error
	for _, p := range c.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
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
