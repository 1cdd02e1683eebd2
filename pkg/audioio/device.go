package audioio

import (
	"context"
	"errors"
	"io"
)

// Device errors.
var (
	// ErrRateMismatch indicates the device cannot deliver the session
	// sample format. Fatal to session open; never resampled around.
	ErrRateMismatch = errors.New("audioio: device format does not match session format")

	// ErrDeviceBusy indicates the device is already owned by a session.
	ErrDeviceBusy = errors.New("audioio: device already in use")

	// ErrNoDevice indicates no capture or playback device is available.
	ErrNoDevice = errors.New("audioio: no device available")

	// ErrPermissionDenied indicates device access was refused.
	ErrPermissionDenied = errors.New("audioio: device permission denied")
)

// FloatFrame is one capture buffer of linear float samples in [-1, 1].
// Hot input may exceed the nominal range; downstream encoding clamps it.
type FloatFrame struct {
	Samples []float32
}

// Source captures linear float audio from a microphone.
//
// A Source is owned exclusively by the session that started it; Stop and
// Close must be safe to call from any state, including concurrently with
// a blocked Read, so teardown never leaks the device handle.
type Source interface {
	// Start begins audio capture.
	Start(ctx context.Context) error

	// Stop halts capture. Safe to call multiple times.
	Stop() error

	// Read returns the next capture buffer, blocking if necessary.
	// Returns io.EOF once the source is stopped.
	Read(ctx context.Context) (FloatFrame, error)

	// Stream returns a channel of capture buffers.
	// The channel is closed when the source is stopped.
	Stream() <-chan FloatFrame

	// Config returns the device configuration.
	Config() Config

	// Name returns the backend name.
	Name() string

	// Close releases the device. The source cannot be restarted after.
	io.Closer
}

// Player renders self-describing audio containers to the playback device.
// The device does not accept bare PCM; callers wrap samples in a container
// first (see audio.PCMToWAV).
type Player interface {
	// Play renders one container, blocking until playback completes or
	// ctx is cancelled. A malformed container returns an error without
	// affecting the player's ability to render the next one.
	Play(ctx context.Context, container []byte) error

	// Halt stops any in-progress playback immediately.
	// Safe to call concurrently with Play and multiple times.
	Halt() error

	// Name returns the backend name.
	Name() string

	// Close releases the device.
	io.Closer
}
