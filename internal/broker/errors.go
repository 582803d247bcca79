package broker

import "errors"

var (
	// ErrSessionNotFound is returned when a transport connection has no
	// session mapping and the message carries no key to create one.
	ErrSessionNotFound = errors.New("broker: session not found")

	// ErrUpstreamOpen wraps every failure to open an upstream stream,
	// including provider rejections, timeouts and an open circuit breaker.
	ErrUpstreamOpen = errors.New("broker: upstream open failed")

	// ErrRetrySuppressed is returned by [Registry.EnsureUpstream] when a
	// previous open failed and the session has not been restarted since.
	ErrRetrySuppressed = errors.New("broker: upstream retry suppressed")

	// ErrSessionStopped is returned when the session was stopped, restarted
	// or reaped while an open was in flight. The opened stream is discarded.
	ErrSessionStopped = errors.New("broker: session changed during open")

	// ErrDecode is returned by [Decode] for malformed base64 or JSON payloads.
	ErrDecode = errors.New("broker: malformed audio payload")

	// ErrUnsupportedAudio is returned by [Decode] for payload shapes it does
	// not understand.
	ErrUnsupportedAudio = errors.New("broker: unsupported audio format")

	// ErrUpstreamSend wraps failures to deliver audio to an open upstream.
	ErrUpstreamSend = errors.New("broker: upstream send failed")

	// ErrUnknownUser is returned when a user directory is configured and
	// does not know the session key.
	ErrUnknownUser = errors.New("broker: unknown user")
)
