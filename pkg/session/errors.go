package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session package.
var (
	// ErrNotOpen indicates the session is not in the open state.
	ErrNotOpen = errors.New("session: not open")

	// ErrAlreadyOpen indicates Open was called on a live session.
	ErrAlreadyOpen = errors.New("session: already open")

	// ErrTearingDown indicates a new open was attempted while a prior
	// session was still closing. Wait for Close to finish first.
	ErrTearingDown = errors.New("session: previous session still tearing down")

	// ErrClosed indicates the session has been closed.
	ErrClosed = errors.New("session: closed")

	// ErrToolCallInFlight indicates a second tool call arrived for a turn
	// that already has one pending. Concurrent calls are unsupported.
	ErrToolCallInFlight = errors.New("session: tool call already in flight for this turn")

	// ErrNoCredentialSource indicates the session was built without a broker.
	ErrNoCredentialSource = errors.New("session: credential source is required")
)

// FaultKind classifies transport-level failures before they are surfaced.
type FaultKind string

const (
	FaultAuth      FaultKind = "auth"
	FaultRateLimit FaultKind = "rate_limit"
	FaultNetwork   FaultKind = "network"
	FaultDevice    FaultKind = "device"
	FaultProtocol  FaultKind = "protocol"
)

// CredentialError indicates the broker was unreachable or denied the
// request. Fatal to the open attempt; a retry needs a fresh credential.
type CredentialError struct {
	Cause error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("session: credential error: %v", e.Cause)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// DeviceError indicates the local audio device could not be acquired or
// does not match the session format. Fatal to the session, user-actionable.
type DeviceError struct {
	Cause error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("session: device error: %v", e.Cause)
}

func (e *DeviceError) Unwrap() error { return e.Cause }

// NegotiationError indicates the offer/answer handshake failed.
// Retryable with a fresh credential, bounded attempts.
type NegotiationError struct {
	Cause  error
	Status int // HTTP status from the negotiation endpoint, when applicable
}

func (e *NegotiationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("session: negotiation failed (status %d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("session: negotiation failed: %v", e.Cause)
}

func (e *NegotiationError) Unwrap() error { return e.Cause }

// IsRetryable reports whether a new negotiation attempt may succeed.
// Auth rejections won't improve without a fresh credential and server
// errors are transient; client-side 4xx other than 401/403/429 are not.
func (e *NegotiationError) IsRetryable() bool {
	switch {
	case e.Status == 0:
		return true // transport-level failure
	case e.Status == 401 || e.Status == 403:
		return true // fresh credential may be accepted
	case e.Status == 429 || e.Status >= 500:
		return true
	default:
		return false
	}
}

// TransportError indicates mid-session loss of the media path or event
// channel. The session is considered closed; the caller must re-negotiate.
type TransportError struct {
	Kind  FaultKind
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport error (%s): %v", e.Kind, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// DecodeError indicates a single inbound audio payload was malformed.
// Local to that item; logged and skipped, never fatal to the session.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("session: decode error: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// ProtocolError indicates an unrecognized or malformed event was received.
// Logged and discarded, non-fatal.
type ProtocolError struct {
	EventType string
	Cause     error
}

func (e *ProtocolError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("session: protocol error in %q event: %v", e.EventType, e.Cause)
	}
	return fmt.Sprintf("session: protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// RemoteError carries an error event from the voice endpoint. Always
// surfaced verbatim to the error callback, never swallowed.
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("session: remote error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("session: remote error: %s", e.Message)
}

// IsFatal reports whether err terminates the session.
// Decode and protocol errors are contained; everything classified is fatal.
func IsFatal(err error) bool {
	var decodeErr *DecodeError
	var protoErr *ProtocolError
	var remoteErr *RemoteError
	if errors.As(err, &decodeErr) || errors.As(err, &protoErr) || errors.As(err, &remoteErr) {
		return false
	}
	return true
}
