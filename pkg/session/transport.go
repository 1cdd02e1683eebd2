package session

import (
	"context"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
)

// AudioTransport moves audio and control events between the local pipelines
// and the remote voice endpoint. Two strategies exist:
//
//   - NativeMediaTransport: audio rides real-time media tracks; the event
//     channel is a WebRTC data channel. No manual audio framing.
//   - FramedDataTransport: a single WebSocket carries everything; outbound
//     audio is framed as base64 PCM16 events and inbound audio arrives as
//     response.audio.delta events.
//
// The event stream is single-reader (the dispatcher); concurrent sends are
// serialized inside the transport.
type AudioTransport interface {
	// Connect establishes the media path and event channel, authenticating
	// with the claimed ephemeral token. Blocks until the handshake
	// completes, ctx is cancelled, or the attempt fails.
	Connect(ctx context.Context, token string) error

	// SendEvent sends one control message over the event channel.
	SendEvent(ev any) error

	// SendAudio moves one outbound PCM16 frame toward the remote endpoint.
	SendAudio(pcm []byte) error

	// Events returns the inbound event stream as raw JSON messages. It
	// may close on shutdown, but consumers must also watch Done: a
	// transport whose event producer is an external callback leaves the
	// channel open and signals termination through Done alone.
	Events() <-chan []byte

	// AudioIn returns inbound media-path audio as PCM16 frames. Nil for
	// framed transports, whose inbound audio arrives via Events.
	AudioIn() <-chan audio.Frame

	// Done is closed when the transport terminates, whether by Close or
	// by a transport fault. Err is valid once Done is closed.
	Done() <-chan struct{}

	// Native reports whether audio rides the media path rather than the
	// event channel. When true, SendAudio needs no manual wire framing.
	Native() bool

	// Err returns the terminal transport error after Events closes, or nil
	// on clean shutdown.
	Err() error

	// Close tears down the media path and event channel. Idempotent and
	// safe to call from any state, including mid-Connect.
	Close() error
}

// State is the session connection state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateOpen
	StateClosing
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
