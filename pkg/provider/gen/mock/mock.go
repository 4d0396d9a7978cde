// Package mock provides a test double for the gen.Provider interface.
//
// Use Provider in unit tests to verify the requests the pipeline builds and
// to feed controlled streams without a live model backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []gen.Chunk{{Text: "Hello there. "}, {Text: "Nice to meet you."}},
//	}
//	ch, err := p.GenerateStream(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/gen"
)

// StreamCall records a single invocation of GenerateStream.
type StreamCall struct {
	// Ctx is the context passed to GenerateStream.
	Ctx context.Context
	// Req is the Request passed to GenerateStream.
	Req gen.Request
}

// Provider is a mock implementation of gen.Provider. Zero values cause
// GenerateStream to return an immediately-closed channel and a nil error.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence emitted on the channel returned by
	// GenerateStream. If Scripts is non-empty it takes precedence: call N
	// emits Scripts[N] (the last script repeats once exhausted).
	Chunks  []gen.Chunk
	Scripts [][]gen.Chunk

	// Err, if non-nil, is returned from GenerateStream instead of a channel.
	Err error

	// HangAfter, when Hang is true, is the number of chunks to emit before
	// the stream blocks until ctx is cancelled. Used to simulate a turn that
	// is still mid-generation when a barge-in arrives.
	Hang      bool
	HangAfter int

	// --- Call records (read after test) ---

	// StreamCalls records every invocation in order.
	StreamCalls []StreamCall
}

// GenerateStream records the call and returns a channel emitting the
// scripted chunks.
func (p *Provider) GenerateStream(ctx context.Context, req gen.Request) (<-chan gen.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	callIdx := len(p.StreamCalls) - 1

	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}

	src := p.Chunks
	if len(p.Scripts) > 0 {
		idx := callIdx
		if idx >= len(p.Scripts) {
			idx = len(p.Scripts) - 1
		}
		src = p.Scripts[idx]
	}
	chunks := make([]gen.Chunk, len(src))
	copy(chunks, src)
	hang, hangAfter := p.Hang, p.HangAfter
	p.mu.Unlock()

	ch := make(chan gen.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if hang && i == hangAfter {
				<-ctx.Done()
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hang && hangAfter >= len(chunks) {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// CallCount returns the number of recorded GenerateStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Ensure Provider implements gen.Provider at compile time.
var _ gen.Provider = (*Provider)(nil)
