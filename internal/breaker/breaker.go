// Package breaker guards each outbound dependency (SIEM store, every
// threat-intel source, the secret store) with a CLOSED/OPEN/HALF_OPEN
// circuit breaker and bounded retries inside the CLOSED state.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
)

// State of a breaker.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned without contacting the dependency while the
// breaker is open. The dispatcher maps it to -32030.
var ErrOpen = errors.New("dependency unavailable: circuit open")

// Breaker is one dependency's state machine. The lock is never held
// across the protected call.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *zap.Logger
	clock  func() time.Time

	mu             sync.Mutex
	state          State
	consecFailures int
	lastFailure    time.Time
	openUntil      time.Time
	trialInFlight  bool
}

// New creates a closed breaker for a named dependency.
func New(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		state:  Closed,
	}
}

// State returns the current state, advancing OPEN to HALF_OPEN when the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Snapshot describes the breaker for health reporting.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

// Snapshot returns the current state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecFailures,
		LastFailure:         b.lastFailure,
		OpenUntil:           b.openUntil,
	}
}

// advanceLocked moves OPEN to HALF_OPEN once the cool-down has passed.
func (b *Breaker) advanceLocked() {
	if b.state == Open && !b.clock().Before(b.openUntil) {
		b.state = HalfOpen
		b.trialInFlight = false
		b.logger.Info("Circuit breaker half-open", zap.String("dependency", b.name))
	}
}

// acquire decides whether one call may proceed. In HALF_OPEN exactly one
// trial is admitted.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
	}
	return nil
}

// record observes the call's outcome and drives transitions.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == HalfOpen {
			b.logger.Info("Circuit breaker closed", zap.String("dependency", b.name))
		}
		b.state = Closed
		b.consecFailures = 0
		b.trialInFlight = false
		return
	}

	now := b.clock()
	b.lastFailure = now

	switch b.state {
	case HalfOpen:
		b.trip(now)
	case Closed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openUntil = now.Add(b.cfg.CoolDown)
	b.trialInFlight = false
	b.logger.Warn("Circuit breaker opened",
		zap.String("dependency", b.name),
		zap.Int("consecutive_failures", b.consecFailures),
		zap.Time("open_until", b.openUntil))
}

// Do runs fn behind the breaker. Idempotent operations are retried with
// exponential backoff and jitter while the breaker stays closed;
// non-idempotent operations run exactly once. Context cancellation stops
// retries immediately.
func (b *Breaker) Do(ctx context.Context, idempotent bool, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	if !idempotent {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			b.mu.Lock()
			b.trialInFlight = false
			b.mu.Unlock()
			return err
		}
		b.record(err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryBase
	bo.MaxInterval = b.cfg.RetryCap
	bo.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callErr := fn(ctx)
		if callErr == nil {
			return struct{}{}, nil
		}
		// Stop retrying once failures would trip the breaker anyway.
		b.mu.Lock()
		nearTrip := b.state != Closed || b.consecFailures+1 >= b.cfg.FailureThreshold
		b.mu.Unlock()
		if nearTrip {
			return struct{}{}, backoff.Permanent(callErr)
		}
		return struct{}{}, callErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(b.cfg.MaxAttempts)))

	// A caller-side cancellation says nothing about dependency health.
	if err != nil && ctx.Err() != nil {
		b.mu.Lock()
		b.trialInFlight = false
		b.mu.Unlock()
		return err
	}

	b.record(err)
	return err
}

// Registry holds one breaker per dependency name.
type Registry struct {
	cfg    config.BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg config.BreakerConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it closed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.logger)
		r.breakers[name] = b
	}
	return b
}

// Snapshots reports every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
