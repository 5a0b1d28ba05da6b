// Package resilience keeps a voice session reachable when the preferred
// speech-to-speech endpoint is down.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// only counts failures the caller classifies as the remote's fault.
// [Failover] puts one breaker in front of each configured provider and
// connects through the first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open and
// the cool-down has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen lets a single trial through. A success closes the
	// breaker and a failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive counted failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a trial is allowed.
	// Default: 30s.
	Cooldown time.Duration

	// Counts reports whether err is the remote's fault. Errors it rejects
	// pass through without touching the failure count. Default: every
	// non-nil error counts.
	Counts func(err error) bool
}

// Breaker implements the circuit breaker pattern around connection attempts.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	counts      func(error) bool
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trying   bool
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		counts:      cfg.Counts,
		now:         time.Now,
	}
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.trying {
			return false
		}
		b.trying = true
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trial := b.state == StateHalfOpen
	b.trying = false

	switch {
	case err == nil:
		if trial {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
	case !b.counts(err):
		// Neither outcome. A half-open breaker tries again next call.
	case trial:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures)
}

// State returns the current [State]. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trying = false
	slog.Info("circuit breaker manually reset", "name", b.name)
}
