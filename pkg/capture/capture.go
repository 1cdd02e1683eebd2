// Package capture pumps microphone audio into a session transport.
//
// The pipeline is deliberately thin: float capture buffers are clamped and
// converted to the session's PCM16 format, then handed to the transport.
// Framing and pacing belong to the transport strategy, not to capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
	"github.com/tradecraft-ai/voicelab/pkg/audioio"
)

// ErrAlreadyRunning indicates Start was called on a live pump.
var ErrAlreadyRunning = errors.New("capture: pump already running")

// Sender moves one outbound PCM16 frame toward the remote endpoint.
// Implemented by the session transports.
type Sender interface {
	SendAudio(pcm []byte) error
}

// maxConsecutiveSendErrors bounds how many back-to-back send failures the
// pump tolerates before declaring the transport gone.
const maxConsecutiveSendErrors = 5

// Pump owns the capture loop for one session.
type Pump struct {
	src    audioio.Source
	sink   Sender
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	finished chan struct{}

	frames    atomic.Int64
	sendFails atomic.Int64

	errMu sync.Mutex
	err   error
}

// Option configures a Pump.
type Option func(*Pump)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) { p.logger = logger }
}

// New creates a Pump reading from src and writing to sink.
func New(src audioio.Source, sink Sender, opts ...Option) *Pump {
	p := &Pump{
		src:    src,
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "capture")
	return p
}

// Start validates the device format, begins capture, and launches the pump
// loop. A device that cannot deliver the session format fails here; the
// pipeline never resamples around a mismatch.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	cfg := p.src.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := p.src.Start(ctx); err != nil {
		return fmt.Errorf("capture: start source: %w", err)
	}

	p.running = true
	p.finished = make(chan struct{})
	go p.loop()

	p.logger.Info("capture started", "device", p.src.Name(), "sample_rate", p.src.Config().SampleRate)
	return nil
}

// loop drains the source until its stream closes or sends fail repeatedly.
func (p *Pump) loop() {
	defer close(p.finished)

	consecutive := 0
	for frame := range p.src.Stream() {
		if len(frame.Samples) == 0 {
			continue
		}
		pcm := audio.FloatsToPCM16(frame.Samples)
		if err := p.sink.SendAudio(pcm); err != nil {
			p.sendFails.Add(1)
			consecutive++
			p.logger.Warn("audio send failed", "error", err, "consecutive", consecutive)
			if consecutive >= maxConsecutiveSendErrors {
				p.setErr(fmt.Errorf("capture: transport rejected %d consecutive frames: %w", consecutive, err))
				return
			}
			continue
		}
		consecutive = 0
		p.frames.Add(1)
	}
}

// Stop halts capture and joins the pump loop. Safe to call multiple times.
func (p *Pump) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	finished := p.finished
	p.mu.Unlock()

	err := p.src.Stop()
	<-finished

	p.logger.Info("capture stopped", "frames_sent", p.frames.Load(), "send_failures", p.sendFails.Load())
	return err
}

// Err returns the terminal pump error, if the loop gave up on the sink.
func (p *Pump) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Pump) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// FramesSent returns the number of frames delivered to the sink.
func (p *Pump) FramesSent() int64 { return p.frames.Load() }
