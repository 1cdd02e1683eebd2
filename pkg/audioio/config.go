// Package audioio provides the capture and playback device abstraction for
// voicelab sessions.
//
// A Source delivers buffers of linear float samples from the microphone; a
// Player renders self-describing audio containers to the speaker. Both are
// owned exclusively by the active session. A mock backend is provided for
// CI and headless runs; real capture lives on the browser side of the wire.
package audioio

import (
	"fmt"
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the best available backend for the platform.
	BackendAuto Backend = "auto"
	// BackendMock uses a synthetic implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio device configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the capture sample rate in Hz. The session protocol
	// fixes this at 24000; the device must deliver it natively because
	// no resampling is performed downstream.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	Channels int `yaml:"channels" json:"channels"`

	// FrameDuration is the size of capture buffers.
	FrameDuration time.Duration `yaml:"frame_duration" json:"frame_duration"`

	// Device is the platform-specific device identifier.
	Device string `yaml:"device" json:"device"`
}

// DefaultConfig returns a Config matching the fixed session audio parameters.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendAuto,
		SampleRate:    audio.SampleRate,
		Channels:      audio.Channels,
		FrameDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is usable for a session.
// A sample-rate or channel mismatch is a hard configuration error; it is
// never silently corrected by resampling.
func (c *Config) Validate() error {
	if c.SampleRate != audio.SampleRate {
		return fmt.Errorf("audioio: sample_rate must be %d, got %d: %w",
			audio.SampleRate, c.SampleRate, ErrRateMismatch)
	}
	if c.Channels != audio.Channels {
		return fmt.Errorf("audioio: channels must be %d, got %d: %w",
			audio.Channels, c.Channels, ErrRateMismatch)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("audioio: frame_duration must be positive, got %v", c.FrameDuration)
	}
	return nil
}

// FrameSamples returns the number of samples per capture buffer.
func (c *Config) FrameSamples() int {
	return int(float64(c.SampleRate) * c.FrameDuration.Seconds())
}
