package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the dependency while a breaker
// is open or its single half-open trial is in flight.
var ErrCircuitOpen = errors.New("circuit open")

// State of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name      string
	Threshold int           // consecutive failures that open the circuit
	Cooldown  time.Duration // time open before one trial call is let through
	// IsFailure decides which errors count against the dependency. Nil
	// counts every error.
	IsFailure func(error) bool
	// OnChange is called on its own goroutine after each transition.
	OnChange func(name string, from, to State)
}

// Breaker stops calling a dependency (the pricing model, the chain RPC)
// that keeps failing. After Cooldown one trial call decides whether the
// circuit closes again.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trying  bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the circuit is open. A failure caused by ctx ending is
// not held against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.abandon(trial)
		return err
	}
	b.record(trial, err)
	return err
}

// State reports the current state; an open circuit whose cooldown has
// passed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
	}
	if b.trying {
		return false, ErrCircuitOpen
	}
	b.trying = true
	return true, nil
}

func (b *Breaker) abandon(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trying = false
	b.mu.Unlock()
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trying = false
	}
	if err == nil || (b.cfg.IsFailure != nil && !b.cfg.IsFailure(err)) {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if trial || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.cfg.OnChange != nil {
		go b.cfg.OnChange(b.cfg.Name, from, to)
	}
}
