package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple recognition backends.
type ASRFallback struct {
	chain *Chain[asr.Provider]
}

// Compile-time interface assertion.
var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg BreakerConfig) *ASRFallback {
	c := NewChain[asr.Provider]("asr", cfg)
	c.Add(primaryName, primary)
	return &ASRFallback{chain: c}
}

// AddFallback registers an additional recognition provider as a fallback.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.chain.Add(name, provider)
}

// Transcribe runs the segment through the first healthy backend.
func (f *ASRFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return Try(f.chain, func(p asr.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, sampleRate)
	})
}
