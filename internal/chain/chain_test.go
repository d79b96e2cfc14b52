package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"airouter/internal/llmerr"
	"airouter/internal/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newChain(t *testing.T, policy RetryPolicy, providers ...provider.Provider) *Chain {
	t.Helper()
	c, err := New(providers, WithRetryPolicy(policy))
	require.NoError(t, err)
	return c
}

// recordedSleeps replaces the chain's sleeper and records requested delays.
func recordedSleeps(c *Chain) *[]time.Duration {
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return &sleeps
}

func TestNewRequiresProviders(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestFallbackOnServerError(t *testing.T) {
	p1 := &stubProvider{name: "P1", execFn: func(int, provider.Request) (*provider.Response, error) {
		return nil, llmerr.New(llmerr.KindServerError, "backend exploded")
	}}
	p2 := &stubProvider{name: "P2", execFn: func(int, provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: "ok"}, nil
	}}

	c := newChain(t, DefaultRetryPolicy(), p1, p2)
	res, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "P2", res.ProviderName)
	assert.Equal(t, 1, res.Attempts)
}

func TestNoFallbackOnAuthentication(t *testing.T) {
	p1 := &stubProvider{name: "P1", execFn: func(int, provider.Request) (*provider.Response, error) {
		return nil, llmerr.New(llmerr.KindAuthentication, "bad key")
	}}
	p2 := &stubProvider{name: "P2"}

	c := newChain(t, DefaultRetryPolicy(), p1, p2)
	_, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindAuthentication, llmerr.KindOf(err))
	assert.Equal(t, 1, p1.callCount())
	assert.Equal(t, 0, p2.callCount(), "authentication failures must not fall back")
}

func TestNonRetryableSkipsRetries(t *testing.T) {
	p1 := &stubProvider{name: "P1", execFn: func(int, provider.Request) (*provider.Response, error) {
		return nil, llmerr.New(llmerr.KindInvalidParameter, "bad param")
	}}

	c := newChain(t, RetryPolicy{MaxAttempts: 5}, p1)
	sleeps := recordedSleeps(c)

	_, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, p1.callCount(), "non-retryable error must not be retried")
	assert.Empty(t, *sleeps)
	assert.Equal(t, llmerr.KindInvalidParameter, llmerr.KindOf(err))
}

func TestSingleAttemptNoBackoffSleep(t *testing.T) {
	p1 := &stubProvider{name: "P1", execFn: func(int, provider.Request) (*provider.Response, error) {
		return nil, llmerr.New(llmerr.KindServerError, "boom")
	}}

	c := newChain(t, RetryPolicy{MaxAttempts: 1}, p1)
	sleeps := recordedSleeps(c)

	_, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, p1.callCount())
	assert.Empty(t, *sleeps, "max-attempts=1 performs exactly one call and never sleeps")
}

func TestRetryThenSuccess(t *testing.T) {
	p1 := &stubProvider{name: "P1", execFn: func(call int, _ provider.Request) (*provider.Response, error) {
		if call < 3 {
			return nil, llmerr.New(llmerr.KindConnection, "flaky")
		}
		return &provider.Response{Text: "finally"}, nil
	}}

	c := newChain(t, RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: time.Minute}, p1)
	sleeps := recordedSleeps(c)

	res, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "finally", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestRateLimitRetryAfterFloor(t *testing.T) {
	p1 := &stubProvider{name: "P1", execFn: func(call int, _ provider.Request) (*provider.Response, error) {
		if call == 1 {
			e := llmerr.New(llmerr.KindRateLimit, "slow down")
			e.RetryAfter = 3 * time.Second
			return nil, e
		}
		return &provider.Response{Text: "ok"}, nil
	}}

	c := newChain(t, RetryPolicy{MaxAttempts: 2, Backoff: BackoffFixed, InitialDelay: 100 * time.Millisecond}, p1)
	sleeps := recordedSleeps(c)

	_, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.NoError(t, err)
	require.Len(t, *sleeps, 1)
	assert.GreaterOrEqual(t, (*sleeps)[0], 3*time.Second, "retry-after must floor the backoff delay")
}

func TestLastErrorCarriesProviderTrail(t *testing.T) {
	fail := func(int, provider.Request) (*provider.Response, error) {
		return nil, llmerr.New(llmerr.KindServerError, "down")
	}
	p1 := &stubProvider{name: "P1", execFn: fail}
	p2 := &stubProvider{name: "P2", execFn: fail}

	c := newChain(t, RetryPolicy{MaxAttempts: 1}, p1, p2)
	_, err := c.Execute(context.Background(), provider.Request{ModelID: "m", Prompt: "hi"})
	require.Error(t, err)

	var te *llmerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"P1", "P2"}, te.Tried)
	assert.Equal(t, "P2", te.Provider)
}

func TestCancellationSuppressesRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p1 := &stubProvider{name: "P1", execFn: func(int, provider.Request) (*provider.Response, error) {
		cancel()
		return nil, llmerr.New(llmerr.KindServerError, "boom")
	}}
	p2 := &stubProvider{name: "P2"}

	c := newChain(t, RetryPolicy{MaxAttempts: 5}, p1, p2)
	sleeps := recordedSleeps(c)

	_, err := c.Execute(ctx, provider.Request{ModelID: "m", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindCancelled, llmerr.KindOf(err))
	assert.Equal(t, 1, p1.callCount())
	assert.Equal(t, 0, p2.callCount())
	assert.Empty(t, *sleeps)
}

func TestBackoffSchedules(t *testing.T) {
	exp := RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}.normalize()
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))
	assert.Equal(t, 5*time.Second, exp.Delay(4), "clamped at max delay")

	lin := RetryPolicy{Backoff: BackoffLinear, InitialDelay: time.Second, MaxDelay: time.Minute}.normalize()
	assert.Equal(t, time.Second, lin.Delay(1))
	assert.Equal(t, 3*time.Second, lin.Delay(3))

	fixed := RetryPolicy{Backoff: BackoffFixed, InitialDelay: 2 * time.Second, MaxDelay: time.Minute}.normalize()
	assert.Equal(t, 2*time.Second, fixed.Delay(1))
	assert.Equal(t, 2*time.Second, fixed.Delay(7))
}

func TestAggregateListModels(t *testing.T) {
	p1 := &stubProvider{name: "P1", models: []provider.ModelDescriptor{
		{ID: "a", DisplayName: "P1 a"}, {ID: "b"},
	}}
	p2 := &stubProvider{name: "P2", models: []provider.ModelDescriptor{
		{ID: "a", DisplayName: "P2 a"}, {ID: "c"},
	}}

	c := newChain(t, DefaultRetryPolicy(), p1, p2)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "P1 a", models[0].DisplayName, "first provider wins on duplicate ids")
}

func TestValidateConfigAnyOf(t *testing.T) {
	bad := &stubProvider{name: "P1", validErr: llmerr.New(llmerr.KindAuthentication, "no key")}
	good := &stubProvider{name: "P2"}

	c := newChain(t, DefaultRetryPolicy(), bad, good)
	assert.NoError(t, c.ValidateConfig(context.Background()))

	c2 := newChain(t, DefaultRetryPolicy(), bad)
	assert.Error(t, c2.ValidateConfig(context.Background()))
}
