// Package resilience keeps provider chains usable when a backend degrades.
//
// A [Breaker] guards one backend: after enough consecutive failures it stops
// forwarding calls for a cooldown, then admits probe calls until the backend
// proves healthy again. A [Chain] strings several backends of one pipeline
// stage together, each behind its own breaker, so a dead primary is skipped
// instead of stalling the turn.
//
// Chain exhaustion surfaces as an engine failure at the turn boundary; a
// single backend failure never reaches the session.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is cooling
// down after tripping.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	StateOpen

	// StateProbing admits calls after the cooldown; one failure re-opens,
	// enough consecutive successes close.
	StateProbing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Breaker defaults, tuned for a voice turn: a backend that failed five turns
// in a row is down, and half a minute is long enough for a restart.
const (
	defaultTrip     = 5
	defaultCooldown = 30 * time.Second
	defaultProbes   = 2
)

// BreakerConfig tunes a [Breaker]. Zero fields use the defaults above.
type BreakerConfig struct {
	// Trip is the number of consecutive failures that open the breaker.
	Trip int

	// Cooldown is how long an open breaker rejects calls before probing the
	// backend again.
	Cooldown time.Duration

	// Probes is the number of consecutive successes required to close the
	// breaker after the cooldown.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip <= 0 {
		c.Trip = defaultTrip
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.Probes <= 0 {
		c.Probes = defaultProbes
	}
	return c
}

// Breaker is a three-state circuit breaker around one backend.
type Breaker struct {
	name string
	cfg  BreakerConfig
	log  *slog.Logger
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	successes int // consecutive successes while probing
	openedAt  time.Time
}

// NewBreaker creates a breaker for the named backend.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return newBreaker(name, cfg, nil)
}

func newBreaker(name string, cfg BreakerConfig, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		log:  log,
		now:  time.Now,
	}
}

// Do forwards fn unless the breaker is open, then folds the outcome into the
// state machine. The returned error is fn's own error, or [ErrBreakerOpen]
// when the call was rejected without running.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, handling the open-to-probing
// transition once the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.state = StateProbing
		b.successes = 0
		b.log.Info("probing backend after cooldown", "backend", b.name)
	}
	return nil
}

// settle records one call outcome.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateProbing || b.failures >= b.cfg.Trip {
			if b.state != StateOpen {
				b.log.Warn("backend breaker opened", "backend", b.name, "failures", b.failures)
			}
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}

	if b.state == StateProbing {
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("backend breaker closed", "backend", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the current state. An open breaker whose cooldown has elapsed
// reports [StateProbing]; the stored transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateProbing
	}
	return b.state
}
