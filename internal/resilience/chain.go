package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrChainExhausted is returned when every backend in a [Chain] failed or was
// rejected by its breaker.
var ErrChainExhausted = errors.New("resilience: all backends failed")

// link is one backend in a chain.
type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain tries a primary backend and then its fallbacks in registration
// order, each guarded by its own [Breaker] so a backend that keeps failing
// is skipped without paying its timeout on every turn.
type Chain[T any] struct {
	stage string
	cfg   BreakerConfig
	log   *slog.Logger
	links []link[T]
}

// NewChain creates an empty chain for the named pipeline stage ("gen",
// "asr", "synth"). The first backend added via [Chain.Add] is the primary.
func NewChain[T any](stage string, cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{stage: stage, cfg: cfg, log: slog.Default()}
}

// Add registers a backend at the end of the chain.
func (c *Chain[T]) Add(name string, backend T) {
	c.links = append(c.links, link[T]{
		name:    name,
		backend: backend,
		breaker: newBreaker(name, c.cfg, c.log),
	})
}

// Try runs fn against each healthy backend in order until one succeeds.
// Breaker-open backends are skipped. When every backend fails, the last
// error is wrapped in [ErrChainExhausted]. A package-level function because
// methods cannot introduce type parameters.
func Try[T, R any](c *Chain[T], fn func(backend T) (R, error)) (R, error) {
	var zero R
	if len(c.links) == 0 {
		return zero, fmt.Errorf("%s: %w: no backends registered", c.stage, ErrChainExhausted)
	}

	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		var res R
		err := l.breaker.Do(func() error {
			var callErr error
			res, callErr = fn(l.backend)
			return callErr
		})
		if err == nil {
			if i > 0 {
				c.log.Info("stage failed over", "stage", c.stage, "backend", l.name)
			}
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			c.log.Debug("backend skipped, breaker open", "stage", c.stage, "backend", l.name)
		} else {
			c.log.Warn("backend failed, trying next", "stage", c.stage, "backend", l.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%s: %w: %w", c.stage, ErrChainExhausted, lastErr)
}
