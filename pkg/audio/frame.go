// Package audio provides the PCM audio model shared by the capture and
// playback pipelines: sample/byte conversion, wire framing for data-channel
// transports, and WAV container synthesis for the playback device.
//
// All session audio is 24kHz mono 16-bit signed little-endian PCM. The
// sample rate is not negotiable at this layer; a device that cannot deliver
// it is a configuration error, not something to resample around.
package audio

import "time"

// Fixed session audio parameters.
const (
	SampleRate     = 24000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = 2
)

// BytesPerSecond is the wire rate of session audio.
const BytesPerSecond = SampleRate * Channels * BytesPerSample

// Frame is an immutable unit of raw PCM16 audio.
// Whoever produced a Frame owns it until handed to the next stage;
// stages must never mutate the sample data in place.
type Frame struct {
	// PCM contains little-endian PCM16 bytes.
	PCM []byte

	// Received is when the frame entered this process.
	Received time.Time
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if len(f.PCM) == 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / BytesPerSecond
}

// Samples decodes the frame into int16 samples.
func (f Frame) Samples() []int16 {
	return BytesToSamples(f.PCM)
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// DurationOfBytes returns the play time of a PCM16 byte count.
func DurationOfBytes(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / BytesPerSecond
}
