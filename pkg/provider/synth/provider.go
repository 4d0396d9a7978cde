// Package synth defines the Provider interface for speech synthesis
// backends.
//
// Synthesis is utterance-oriented: the pipeline hands over one text chunk
// and receives a finished PCM16 buffer back. The split policy tells the
// provider how to divide the text into engine-sized pieces internally:
// the first audible chunk of a turn is synthesized with minimal splitting
// to reach the speaker quickly, everything after it with punctuation-aware
// splitting for natural prosody.
package synth

import "context"

// SplitPolicy selects how a provider divides text before synthesis.
type SplitPolicy string

const (
	// SplitMinimal favors latency: the text is synthesized in as few engine
	// calls as possible, ideally one.
	SplitMinimal SplitPolicy = "minimal"

	// SplitPunctuation favors naturalness: the text is divided at sentence
	// and clause boundaries before synthesis.
	SplitPunctuation SplitPolicy = "punctuation-aware"
)

// IsValid reports whether p is a known split policy.
func (p SplitPolicy) IsValid() bool {
	return p == SplitMinimal || p == SplitPunctuation
}

// Provider is the abstraction over any speech synthesis backend.
//
// Implementations must be safe for concurrent use and must honor context
// cancellation at every network or engine boundary.
type Provider interface {
	// Synthesize converts text into mono, 16-bit little-endian PCM at the
	// provider's configured output rate. An empty text yields an empty
	// buffer and a nil error.
	Synthesize(ctx context.Context, text string, policy SplitPolicy) ([]byte, error)
}
