// Package asr defines the Provider interface for speech recognition backends.
//
// Unlike a live streaming transcriber, this contract is utterance-oriented:
// the caller has already segmented the audio stream into one finalized
// utterance of mono PCM16 and wants its text back. This matches how the
// pipeline consumes recognition: one call per detected speech segment.
//
// Implementations must be safe for concurrent use; multiple sessions may
// transcribe simultaneously against one shared provider.
package asr

import "context"

// Provider is the abstraction over any speech recognition backend.
type Provider interface {
	// Transcribe converts one utterance of mono, 16-bit little-endian PCM at
	// the given sample rate into text. An empty string with a nil error means
	// the recognizer heard nothing intelligible; callers treat that as
	// filtered input, not a failure.
	//
	// Implementations must return promptly when ctx is cancelled.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}
