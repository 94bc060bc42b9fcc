// Package resilience provides the circuit breaker that keeps delivery
// from hammering a destination that is refusing connections.
package resilience

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// Closed is the normal state; calls flow through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen admits probe calls after the cooldown.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// DefaultConfig suits one SMTP destination.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         5 * time.Minute,
	}
}

// Breaker is a single circuit breaker.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker builds a breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen once
// the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return true
	default:
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	}
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.failures = 0
			}
		case Closed:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Registry holds one breaker per key (destination domain).
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry using cfg for every breaker.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(r.cfg)
		r.breakers[key] = b
	}
	return b
}
