package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/provider/gen"
)

// GenFallback implements [gen.Provider] with automatic failover across
// multiple generation backends. Each backend sits behind its own breaker;
// when the primary fails or is cooling down, the next healthy fallback is
// tried.
type GenFallback struct {
	chain *Chain[gen.Provider]
}

// Compile-time interface assertion.
var _ gen.Provider = (*GenFallback)(nil)

// NewGenFallback creates a [GenFallback] with primary as the preferred
// backend.
func NewGenFallback(primary gen.Provider, primaryName string, cfg BreakerConfig) *GenFallback {
	c := NewChain[gen.Provider]("gen", cfg)
	c.Add(primaryName, primary)
	return &GenFallback{chain: c}
}

// AddFallback registers an additional generation provider as a fallback.
func (f *GenFallback) AddFallback(name string, provider gen.Provider) {
	f.chain.Add(name, provider)
}

// GenerateStream sends the request to the first healthy backend and returns
// its chunk stream. Only the initial connection attempt is covered by
// failover; once a stream is established, mid-stream errors are the caller's
// responsibility.
func (f *GenFallback) GenerateStream(ctx context.Context, req gen.Request) (<-chan gen.Chunk, error) {
	return Try(f.chain, func(p gen.Provider) (<-chan gen.Chunk, error) {
		return p.GenerateStream(ctx, req)
	})
}
