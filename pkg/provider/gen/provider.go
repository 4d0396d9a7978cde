// Package gen defines the Provider interface for streaming text generation
// backends (hosted or local multimodal language models).
//
// The pipeline drives generation one turn at a time: it sends the bounded
// conversation history plus the current user utterance (optionally with a
// JPEG visual context) and consumes text fragments as they arrive. Streams
// must be terminable mid-flight via context cancellation, since barge-in
// aborts turns routinely.
//
// Implementations must be safe for concurrent use. Channels returned by
// GenerateStream must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package gen

import "context"

// Message roles used in Request.Messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	// Role is RoleUser or RoleAssistant.
	Role string

	// Content is the plain text of the message.
	Content string
}

// Request carries everything the model needs to produce one turn's response.
type Request struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history; the last message must be
	// the current user utterance.
	Messages []Message

	// ImageJPEG optionally attaches a JPEG frame as visual context for the
	// final user message. Providers without vision support ignore it.
	ImageJPEG []byte

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming generation.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop", "length", or "error" (Text then carries the error
	// message). Empty on non-final chunks.
	FinishReason string
}

// Provider is the abstraction over any streaming generation backend.
type Provider interface {
	// GenerateStream sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
