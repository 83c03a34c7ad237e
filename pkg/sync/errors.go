package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is observed by callers whose request was in flight
	// when the session ended. The protocol has no reconnection: a client
	// that sees this error is permanently unusable.
	ErrDisconnected = errors.New("sync service session ended")

	// ErrSidecarUnavailable is raised locally, before any request is sent,
	// when a network-shaping operation is attempted on a run without a
	// sidecar.
	ErrSidecarUnavailable = errors.New("the sidecar is not available in this run")

	// ErrAmbiguousResponse marks a frame that populates more than one
	// response outcome. The codec never guesses which one was meant.
	ErrAmbiguousResponse = errors.New("response populates more than one outcome")

	// ErrMetricsDisabled is returned by RecordMetric when the run has no
	// metrics backend configured.
	ErrMetricsDisabled = errors.New("metrics are disabled for this run")
)

// HandshakeError is a terminal failure during the connection upgrade. The
// client never follows redirects and never retries.
type HandshakeError struct {
	StatusCode int
	Location   string // set when the service redirected us
}

func (e *HandshakeError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("sync service redirected to %s (status code %d)", e.Location, e.StatusCode)
	}
	return fmt.Sprintf("sync service refused connection (status code %d)", e.StatusCode)
}

// Redirected reports whether the handshake failed on a redirect rather than
// an outright rejection.
func (e *HandshakeError) Redirected() bool { return e.Location != "" }

// SendError is a failure to serialize a request or write it to the
// connection. It surfaces only to the caller whose command triggered it.
type SendError struct {
	Cause error
}

func (e *SendError) Error() string { return "sending request to sync service: " + e.Cause.Error() }
func (e *SendError) Unwrap() error { return e.Cause }

// ServiceError is a semantic failure the sync service reported for one
// specific request, e.g. an invalid state name.
type ServiceError struct {
	Reason string
}

func (e *ServiceError) Error() string { return "sync service: " + e.Reason }

// ProtocolViolationError reports a response outcome that is incompatible
// with the kind of request it correlates to, e.g. a subscribe entry
// receiving a signal-entry outcome. It is a contract bug in the service or
// the client and is fatal for the affected request; it is never coerced into
// a different outcome.
type ProtocolViolationError struct {
	ID      string
	Entry   string
	Outcome string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation on request %s: %s entry received %s outcome", e.ID, e.Entry, e.Outcome)
}
