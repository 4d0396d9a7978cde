// Package mock provides a test double for the synth.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/synth"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Policy is the split policy passed to Synthesize.
	Policy synth.SplitPolicy
}

// Provider is a mock implementation of synth.Provider. By default it
// returns one PCM byte per input byte so tests can correlate output length
// with input text.
type Provider struct {
	mu sync.Mutex

	// PCM, if non-nil, is returned from every Synthesize call. When nil,
	// the call returns a buffer of len(text) zero bytes.
	PCM []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Hang makes Synthesize block until ctx is cancelled, then return
	// ctx.Err(). Used to simulate an in-flight synthesis during barge-in.
	Hang bool

	// Calls records every invocation in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns the scripted PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, policy synth.SplitPolicy) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Policy: policy})
	pcm, err, hang := p.PCM, p.Err, p.Hang
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pcm != nil {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}
	return make([]byte, len(text)), nil
}

// CallCount returns the number of recorded Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// RecordedCalls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) RecordedCalls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// Ensure Provider implements synth.Provider at compile time.
var _ synth.Provider = (*Provider)(nil)
