package stt

import "time"

// EventKind identifies what happened on an upstream streaming session.
type EventKind int

const (
	// EventOpened is emitted once the provider has accepted the stream.
	EventOpened EventKind = iota

	// EventTranscript carries a recognition result in [Event.Transcript].
	EventTranscript

	// EventMetadata is emitted for provider bookkeeping messages (request ids,
	// model info). It carries no transcript but still counts as activity.
	EventMetadata

	// EventError reports a provider-side error in [Event.Err]. The stream may
	// or may not continue afterwards; an [EventClosed] always follows a fatal one.
	EventError

	// EventClosed is the last event on a session. The events channel is closed
	// right after it.
	EventClosed
)

// String returns the lower-case name of the kind, used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventTranscript:
		return "transcript"
	case EventMetadata:
		return "metadata"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single notification from an upstream session. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	// Transcript is set for EventTranscript.
	Transcript Transcript

	// Err is set for EventError, and for EventClosed when the stream ended
	// abnormally.
	Err error

	// At is when the event was received from the provider.
	At time.Time
}

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content. May be empty for silence.
	Text string

	// IsFinal indicates whether the provider has committed to this result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Start and Duration locate the utterance relative to stream start.
	Start    time.Duration
	Duration time.Duration
}
