// Package breaker implements the circuit breaker pattern used to fail fast
// when the brokerage API is unhealthy. A breaker starts CLOSED, trips OPEN
// after a run of consecutive failures, and probes recovery with a single
// HALF_OPEN call once the cooldown elapses.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, reject calls
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// OpenError is returned when a call is refused because the circuit is open.
// RetryAfter is how long until the next probe is allowed, clamped at zero.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

// NotifyFunc is invoked on actual state transitions, never on no-op calls.
// It runs with the breaker lock held and must not call back into the breaker.
type NotifyFunc func(name string, from, to State)

// Config holds breaker construction parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from CLOSED to OPEN.
	FailureThreshold int
	// Cooldown is how long the breaker stays OPEN before allowing a
	// HALF_OPEN probe.
	Cooldown time.Duration
	// OnStateChange, if set, is called for every transition.
	OnStateChange NotifyFunc
}

// DefaultConfig returns sensible defaults for a brokerage circuit.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a named circuit breaker. Safe for concurrent use; the internal
// lock is never held across the wrapped call.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                  sync.Mutex
	state               State
	probing             bool // a HALF_OPEN probe is in flight
	consecutiveFailures int
	totalSuccesses      int64
	totalFailures       int64
	openedAt            time.Time
}

// New creates a breaker with the given name and config. Zero-valued config
// fields fall back to DefaultConfig.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Stats is a snapshot of the breaker's counters.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Execute runs fn through the breaker. When the circuit is open and the
// cooldown has not elapsed, fn never runs and an *OpenError is returned.
// fn's error is returned unchanged so callers can classify it.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// acquire decides whether a call may proceed, transitioning OPEN→HALF_OPEN
// when the cooldown has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return &OpenError{Name: b.name, RetryAfter: remaining}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			// One probe at a time decides the next state.
			return &OpenError{Name: b.name, RetryAfter: 0}
		}
		b.probing = true
		return nil

	default:
		return &OpenError{Name: b.name, RetryAfter: 0}
	}
}

// record applies the outcome of a call that was allowed through.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.totalSuccesses++
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.probing = false
			b.transition(StateClosed)
		}
		return
	}

	b.totalFailures++
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// Probe failed: re-arm the cooldown.
		b.probing = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// CanExecute reports whether a call would currently be allowed through.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
	case StateHalfOpen:
		return !b.probing
	default:
		return false
	}
}

// Stats returns a snapshot of the breaker's state and lifetime counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		OpenedAt:            b.openedAt,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker CLOSED and zeroes the consecutive-failure count.
// Lifetime totals are preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// transition must be called with the lock held. It updates state and fires
// the notification hook for real transitions only.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
