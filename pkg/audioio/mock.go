package audioio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a synthetic audio source for testing.
// It generates silence or a sine wave at the configured frame cadence.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan FloatFrame
	stopCh   chan struct{}

	framesRead atomic.Int64

	// Synthetic signal
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
// Amplitudes above 1.0 are allowed deliberately so tests can exercise
// downstream clamping.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		streamCh:  make(chan FloatFrame, 10),
		stopCh:    make(chan struct{}),
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return ErrDeviceBusy
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan FloatFrame, 10)

	go m.generateLoop(ctx, m.streamCh, m.stopCh)

	m.logger.Debug("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
	)

	return nil
}

// generateLoop owns out: it is the only sender and closes it on exit, so
// Stop never races a pending send against the close.
func (m *MockSource) generateLoop(ctx context.Context, out chan FloatFrame, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.FrameDuration)
	defer ticker.Stop()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stop:
			return
		case <-ticker.C:
			frame := m.generateFrame()
			select {
			case out <- frame:
				m.framesRead.Add(1)
			case <-stop:
				return
			default:
				// Consumer is behind; drop rather than block capture.
				m.logger.Debug("mock source: buffer full, dropping frame")
			}
		}
	}
}

func (m *MockSource) generateFrame() FloatFrame {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.cfg.FrameSamples()
	samples := make([]float32, n*m.cfg.Channels)

	if m.frequency > 0 {
		for i := 0; i < n; i++ {
			v := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate))
			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = float32(v)
			}
			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}

	return FloatFrame{Samples: samples}
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	close(m.stopCh)

	m.logger.Debug("mock audio source stopped")

	return nil
}

// Read returns the next capture buffer.
func (m *MockSource) Read(ctx context.Context) (FloatFrame, error) {
	select {
	case <-ctx.Done():
		return FloatFrame{}, ctx.Err()
	case frame, ok := <-m.streamCh:
		if !ok {
			return FloatFrame{}, io.EOF
		}
		return frame, nil
	}
}

// Stream returns the capture buffer channel.
func (m *MockSource) Stream() <-chan FloatFrame {
	return m.streamCh
}

// Config returns the device configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
	return nil
}

// FramesRead returns the number of frames generated so far.
func (m *MockSource) FramesRead() int64 {
	return m.framesRead.Load()
}

// Ensure MockSource implements Source.
var _ Source = (*MockSource)(nil)

// MockPlayer is a synthetic playback device for testing.
// It validates the container header like a real renderer would, records
// what it played, and returns immediately instead of sleeping out the
// audio duration.
type MockPlayer struct {
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	halted  chan struct{}
	playing bool

	// Played records every successfully rendered container.
	Played [][]byte

	// PlayDelay simulates render time per container. Zero returns at once.
	PlayDelay time.Duration

	// FailNext forces the next Play call to fail, as a corrupt device
	// or undecodable container would.
	FailNext bool
}

// NewMockPlayer creates a new mock playback device.
func NewMockPlayer(logger *slog.Logger) *MockPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockPlayer{
		logger: logger,
		halted: make(chan struct{}),
	}
}

// Play validates and "renders" one container.
func (m *MockPlayer) Play(ctx context.Context, container []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return io.ErrClosedPipe
	}
	if m.FailNext {
		m.FailNext = false
		m.mu.Unlock()
		return fmt.Errorf("mock player: render failed")
	}
	if err := validateContainer(container); err != nil {
		m.mu.Unlock()
		return err
	}
	m.playing = true
	halted := m.halted
	delay := m.PlayDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			m.setIdle()
			return ctx.Err()
		case <-halted:
			m.setIdle()
			return nil
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	m.Played = append(m.Played, container)
	m.playing = false
	m.mu.Unlock()
	return nil
}

func (m *MockPlayer) setIdle() {
	m.mu.Lock()
	m.playing = false
	m.mu.Unlock()
}

// Halt stops in-progress playback.
func (m *MockPlayer) Halt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.halted)
	m.halted = make(chan struct{})
	return nil
}

// Name returns "mock".
func (m *MockPlayer) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockPlayer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// PlayedSnapshot returns a copy of every container rendered so far.
func (m *MockPlayer) PlayedSnapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.Played))
	copy(out, m.Played)
	return out
}

// Playing reports whether a container is being rendered.
func (m *MockPlayer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// validateContainer performs the header checks a real renderer would fail on.
func validateContainer(container []byte) error {
	if len(container) < 44 {
		return fmt.Errorf("mock player: container too short (%d bytes)", len(container))
	}
	if !bytes.Equal(container[0:4], []byte("RIFF")) || !bytes.Equal(container[8:12], []byte("WAVE")) {
		return fmt.Errorf("mock player: not a RIFF/WAVE container")
	}
	dataLen := binary.LittleEndian.Uint32(container[40:44])
	if int(dataLen) != len(container)-44 {
		return fmt.Errorf("mock player: data size %d does not match payload %d", dataLen, len(container)-44)
	}
	return nil
}

// Ensure MockPlayer implements Player.
var _ Player = (*MockPlayer)(nil)
