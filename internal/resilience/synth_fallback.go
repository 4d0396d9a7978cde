package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/provider/synth"
)

// SynthFallback implements [synth.Provider] with automatic failover across
// multiple synthesis backends.
type SynthFallback struct {
	chain *Chain[synth.Provider]
}

// Compile-time interface assertion.
var _ synth.Provider = (*SynthFallback)(nil)

// NewSynthFallback creates a [SynthFallback] with primary as the preferred
// backend.
func NewSynthFallback(primary synth.Provider, primaryName string, cfg BreakerConfig) *SynthFallback {
	c := NewChain[synth.Provider]("synth", cfg)
	c.Add(primaryName, primary)
	return &SynthFallback{chain: c}
}

// AddFallback registers an additional synthesis provider as a fallback.
func (f *SynthFallback) AddFallback(name string, provider synth.Provider) {
	f.chain.Add(name, provider)
}

// Synthesize renders the text through the first healthy backend.
func (f *SynthFallback) Synthesize(ctx context.Context, text string, policy synth.SplitPolicy) ([]byte, error) {
	return Try(f.chain, func(p synth.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, policy)
	})
}
