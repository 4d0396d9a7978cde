// Package mock provides a test double for the asr.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// PCM is the audio passed to Transcribe.
	PCM []byte
	// SampleRate is the sample rate passed to Transcribe.
	SampleRate int
}

// Provider is a mock implementation of asr.Provider. Zero values for the
// response fields cause Transcribe to return "", nil.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe. If Texts is non-empty, it takes
	// precedence and entries are consumed one per call (the last entry
	// repeats once exhausted).
	Text  string
	Texts []string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the scripted text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.Calls = append(p.Calls, TranscribeCall{PCM: buf, SampleRate: sampleRate})

	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Texts) > 0 {
		idx := len(p.Calls) - 1
		if idx >= len(p.Texts) {
			idx = len(p.Texts) - 1
		}
		return p.Texts[idx], nil
	}
	return p.Text, nil
}

// CallCount returns the number of recorded Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
