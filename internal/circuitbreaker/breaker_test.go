package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// fakeClock drives a breaker's view of time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreakerConfig() *config.CircuitBreakerConfig {
	return &config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         config.Duration(10 * time.Second),
		MaxCooldown:      config.Duration(40 * time.Second),
	}
}

func newTestBreaker(t *testing.T, cfg *config.CircuitBreakerConfig, opts ...BreakerOption) (*Breaker, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	b := NewBreaker("orders/orders-1", cfg, opts...)
	b.now = clock.Now
	return b, clock
}

// tripBreaker drives a closed breaker open by recording threshold
// consecutive failures.
func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()

	for i := 0; i < b.threshold; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
}

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current State
		event   Event
		want    State
	}{
		{"closed trips open on failure threshold", StateClosed, EventFailureThreshold, StateOpen},
		{"closed ignores cooldown", StateClosed, EventCooldownElapsed, StateClosed},
		{"closed ignores trial success", StateClosed, EventTrialSuccess, StateClosed},
		{"closed ignores trial failure", StateClosed, EventTrialFailure, StateClosed},
		{"open moves to half-open on cooldown", StateOpen, EventCooldownElapsed, StateHalfOpen},
		{"open ignores failure threshold", StateOpen, EventFailureThreshold, StateOpen},
		{"open ignores trial success", StateOpen, EventTrialSuccess, StateOpen},
		{"open ignores trial failure", StateOpen, EventTrialFailure, StateOpen},
		{"half-open closes on trial success", StateHalfOpen, EventTrialSuccess, StateClosed},
		{"half-open reopens on trial failure", StateHalfOpen, EventTrialFailure, StateOpen},
		{"half-open ignores failure threshold", StateHalfOpen, EventFailureThreshold, StateHalfOpen},
		{"half-open ignores cooldown", StateHalfOpen, EventCooldownElapsed, StateHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Transition(tt.current, tt.event))
		})
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_StartsClosed(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, testBreakerConfig())

	assert.Equal(t, StateClosed, b.State())

	ready, wait := b.Ready()
	assert.True(t, ready)
	assert.Zero(t, wait)
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, testBreakerConfig())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	ready, wait := b.Ready()
	assert.False(t, ready)
	assert.Equal(t, 10*time.Second, wait)

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrCircuitOpen)

	var openErr *util.CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "orders/orders-1", openErr.Instance)
	assert.Equal(t, "open", openErr.State)
	assert.Equal(t, 10*time.Second, openErr.RetryAfter)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, testBreakerConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, testBreakerConfig())
	tripBreaker(t, b)

	clock.Advance(10 * time.Second)
	ready, _ := b.Ready()
	assert.True(t, ready)

	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	ready, wait := b.Ready()
	assert.False(t, ready)
	assert.Equal(t, 10*time.Second, wait)

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrCircuitOpen)

	var openErr *util.CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "half-open", openErr.State)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_TrialFailureDoublesCooldown(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, testBreakerConfig())
	tripBreaker(t, b)

	retryAfter := func() time.Duration {
		t.Helper()
		err := b.Allow()
		require.Error(t, err)
		var openErr *util.CircuitOpenError
		require.True(t, errors.As(err, &openErr))
		return openErr.RetryAfter
	}

	// First trip uses the base cooldown.
	assert.Equal(t, 10*time.Second, retryAfter())

	// Failed trial doubles it.
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, 20*time.Second, retryAfter())

	// Second failed trial doubles again, hitting the cap.
	clock.Advance(20 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, 40*time.Second, retryAfter())

	// Further failed trials stay at the cap.
	clock.Advance(40 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, 40*time.Second, retryAfter())
}

func TestBreaker_TrialSuccessResetsCooldown(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, testBreakerConfig())
	tripBreaker(t, b)

	// Two failed trials grow the cooldown.
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	clock.Advance(20 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	// A successful trial closes the breaker and clears history.
	clock.Advance(40 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())

	// The next trip starts from the base cooldown again.
	tripBreaker(t, b)
	err := b.Allow()
	var openErr *util.CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, 10*time.Second, openErr.RetryAfter)
}

func TestBreaker_ConcurrentTrialClaim(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, testBreakerConfig())
	tripBreaker(t, b)
	clock.Advance(10 * time.Second)

	const callers = 20

	var (
		admitted atomic.Int64
		rejected atomic.Int64
		start    = make(chan struct{})
		wg       sync.WaitGroup
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := b.Allow(); err != nil {
				assert.ErrorIs(t, err, util.ErrCircuitOpen)
				rejected.Add(1)
				return
			}
			admitted.Add(1)
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), admitted.Load())
	assert.Equal(t, int64(callers-1), rejected.Load())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_LateResultsWhileOpenIgnored(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, testBreakerConfig())
	tripBreaker(t, b)

	probeAt := b.Stats().NextProbeAt

	// Results from requests admitted before the trip must not move the
	// state machine or extend the cooldown.
	b.RecordSuccess()
	assert.Equal(t, StateOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, probeAt, b.Stats().NextProbeAt)
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, testBreakerConfig())
	tripBreaker(t, b)

	// Grow the cooldown so Reset provably clears the re-open history.
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	tripBreaker(t, b)
	err := b.Allow()
	var openErr *util.CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, 10*time.Second, openErr.RetryAfter)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()

	type change struct {
		from, to State
	}

	var (
		mu      sync.Mutex
		changes []change
	)

	cfg := testBreakerConfig()
	clock := newFakeClock()
	b := NewBreaker("orders/orders-1", cfg, WithStateChangeCallback(func(_ string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change{from, to})
	}))
	b.now = clock.Now

	// The callback runs on its own goroutine; wait for each transition
	// to land before triggering the next so the order is deterministic.
	waitFor := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(changes) == n
		}, time.Second, 5*time.Millisecond)
	}

	tripBreaker(t, b)
	waitFor(1)

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	waitFor(2)

	b.RecordSuccess()
	waitFor(3)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, changes)
}

func TestBreaker_DefaultsFromNilConfig(t *testing.T) {
	t.Parallel()

	b := NewBreaker("orders/orders-1", nil)

	assert.Equal(t, config.DefaultBreakerFailureThreshold, b.threshold)
	assert.Equal(t, config.DefaultBreakerCooldown, b.cooldown)
	assert.Equal(t, config.DefaultBreakerMaxCooldown, b.maxCooldown)
}

func TestBreaker_Stats(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, testBreakerConfig())

	b.RecordFailure()
	stats := b.Stats()
	assert.Equal(t, "orders/orders-1", stats.Name)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.True(t, stats.OpenedAt.IsZero())

	b.RecordFailure()
	b.RecordFailure()
	stats = b.Stats()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), stats.OpenedAt)
	assert.Equal(t, clock.Now().Add(10*time.Second), stats.NextProbeAt)
}
