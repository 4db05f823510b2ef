// Package circuitbreaker guards upstream instances against cascading
// failure. A breaker trips open after a run of consecutive failures,
// fast-fails requests while open without contacting the instance, and
// admits exactly one trial request once its cooldown elapses. The
// cooldown doubles on each successive re-open up to a configured cap.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// State represents the circuit breaker state.
type State int

// Circuit breaker states.
const (
	// StateClosed allows requests through and counts failures.
	StateClosed State = iota
	// StateOpen fast-fails all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen has admitted its single trial request; everything
	// else fast-fails until the trial resolves.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Event is an input observed by the breaker state machine.
type Event int

// Breaker state machine events.
const (
	// EventFailureThreshold fires when consecutive failures reach the
	// configured threshold.
	EventFailureThreshold Event = iota
	// EventCooldownElapsed fires when an open breaker's cooldown has
	// expired and a caller claims the half-open trial.
	EventCooldownElapsed
	// EventTrialSuccess fires when the half-open trial succeeds.
	EventTrialSuccess
	// EventTrialFailure fires when the half-open trial fails.
	EventTrialFailure
)

// Transition returns the state that follows current when ev is
// observed. Events that do not apply to the current state leave it
// unchanged.
func Transition(current State, ev Event) State {
	switch current {
	case StateClosed:
		if ev == EventFailureThreshold {
			return StateOpen
		}
	case StateOpen:
		if ev == EventCooldownElapsed {
			return StateHalfOpen
		}
	case StateHalfOpen:
		switch ev {
		case EventTrialSuccess:
			return StateClosed
		case EventTrialFailure:
			return StateOpen
		}
	}
	return current
}

// Breaker is a circuit breaker for a single upstream instance or
// service, depending on the configured scope.
type Breaker struct {
	name string

	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration

	logger        observability.Logger
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	reopens             int
	openedAt            time.Time
	nextProbeAt         time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateChangeCallback registers a hook invoked on every state
// transition. The callback runs on its own goroutine so it may safely
// call back into the breaker.
func WithStateChangeCallback(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// NewBreaker creates a closed breaker for the named upstream.
func NewBreaker(name string, cfg *config.CircuitBreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:        name,
		threshold:   cfg.GetEffectiveFailureThreshold(),
		cooldown:    cfg.GetEffectiveCooldown(),
		maxCooldown: cfg.GetEffectiveMaxCooldown(),
		logger:      observability.NopLogger(),
		now:         time.Now,
		state:       StateClosed,
	}

	for _, opt := range opts {
		opt(b)
	}

	GetBreakerMetrics().SetState(b.name, b.state)
	return b
}

// Name returns the breaker's identity, "service/instance" under
// instance scope or the bare service name under service scope.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request may proceed. A nil return admits the
// request; the caller must then report the outcome via RecordSuccess or
// RecordFailure. Open breakers reject with a CircuitOpenError carrying
// the remaining cooldown. The first caller after the cooldown elapses
// claims the single half-open trial; concurrent callers during the
// trial are rejected, not queued.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		now := b.now()
		if now.Before(b.nextProbeAt) {
			GetBreakerMetrics().RecordDecision(b.name, false)
			return util.NewCircuitOpenError(b.name, b.state.String(), b.nextProbeAt.Sub(now))
		}
		// Cooldown elapsed; this caller owns the trial.
		b.transitionLocked(Transition(b.state, EventCooldownElapsed), now)

	case StateHalfOpen:
		// The trial is already in flight. Its outcome is unknown, so
		// hint one full cooldown as the retry interval.
		GetBreakerMetrics().RecordDecision(b.name, false)
		return util.NewCircuitOpenError(b.name, b.state.String(), b.cooldownFor(b.reopens))
	}

	GetBreakerMetrics().RecordDecision(b.name, true)
	return nil
}

// Ready reports whether the breaker would admit a request right now.
// Unlike Allow it never claims the half-open trial slot, so the load
// balancer can use it to filter candidates without consuming trials.
// When not ready it also returns the wait until the next trial, for
// Retry-After hints.
func (b *Breaker) Ready() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		now := b.now()
		if now.Before(b.nextProbeAt) {
			return false, b.nextProbeAt.Sub(now)
		}
		return true, 0
	case StateHalfOpen:
		// The single trial is already in flight.
		return false, b.cooldownFor(b.reopens)
	default:
		return true, 0
	}
}

// RecordSuccess reports a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.transitionLocked(Transition(b.state, EventTrialSuccess), b.now())
	case StateOpen:
		// Late result from a request admitted before the trip.
	}
}

// RecordFailure reports a failed upstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.transitionLocked(Transition(b.state, EventFailureThreshold), b.now())
		}
	case StateHalfOpen:
		b.reopens++
		b.transitionLocked(Transition(b.state, EventTrialFailure), b.now())
	case StateOpen:
		// Late failure; the cooldown is not extended.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed and clears its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(StateClosed, b.now())
	b.consecutiveFailures = 0
	b.reopens = 0
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Reopens             int       `json:"reopens"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Stats returns a snapshot of the breaker's current state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Reopens:             b.reopens,
		OpenedAt:            b.openedAt,
		NextProbeAt:         b.nextProbeAt,
	}
}

// transitionLocked moves the breaker to the target state and resets the
// bookkeeping the target state starts from. Callers must hold b.mu.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case StateClosed:
		b.consecutiveFailures = 0
		b.reopens = 0
		b.openedAt = time.Time{}
		b.nextProbeAt = time.Time{}
	case StateOpen:
		b.consecutiveFailures = 0
		b.openedAt = now
		b.nextProbeAt = now.Add(b.cooldownFor(b.reopens))
	case StateHalfOpen:
		// The caller that observed the elapsed cooldown owns the trial.
	}

	GetBreakerMetrics().RecordTransition(b.name, from, to)

	fields := []observability.Field{
		observability.String("breaker", b.name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	}
	if to == StateOpen {
		fields = append(fields, observability.Duration("cooldown", b.nextProbeAt.Sub(now)))
	}
	b.logger.Info("circuit breaker state changed", fields...)

	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}

// cooldownFor returns the open interval after n successive re-opens,
// doubling from the base cooldown and capped at maxCooldown.
func (b *Breaker) cooldownFor(reopens int) time.Duration {
	d := b.cooldown
	for i := 0; i < reopens; i++ {
		d *= 2
		if d >= b.maxCooldown {
			return b.maxCooldown
		}
	}
	if d > b.maxCooldown {
		return b.maxCooldown
	}
	return d
}
