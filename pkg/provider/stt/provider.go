// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio bytes and emits a
// single ordered stream of tagged [Event] values (opened, transcript,
// metadata, error, closed).
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the recognition profile for a new session. Zero
// values fall back to the provider's configured defaults.
type StreamConfig struct {
	// Model selects the recognition model (e.g. "nova-3").
	Model string

	// Language is the BCP-47 language tag (e.g. "en-US").
	Language string

	// Punctuate enables automatic punctuation.
	Punctuate bool

	// InterimResults requests non-final results in addition to finals.
	InterimResults bool

	// Encoding and SampleRate describe raw audio. Leave both empty for
	// containerised audio (webm/ogg) which the provider detects itself.
	Encoding   string
	SampleRate int
}

// SessionHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live provider.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio to the provider. Calling SendAudio
	// after Close, or after the provider closed the stream, returns an error.
	SendAudio(chunk []byte) error

	// Events returns the ordered event stream for this session. The channel
	// is closed after the final EventClosed.
	Events() <-chan Event

	// Close sends the provider's graceful finish signal and releases all
	// resources. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming session. It returns an error if the
	// provider rejects the handshake or ctx expires first. The caller owns
	// the returned SessionHandle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
