// Package session implements the duplex voice session: negotiation against
// the remote realtime endpoint, full-duplex audio, and the control-event
// dispatch that keeps turn state, transcripts, and tool calls coherent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/capture"
	"github.com/tradecraft-ai/voicelab/pkg/tools"
)

// Session is one live conversation with the remote voice agent. A Session
// may be opened, closed, and opened again; each Open runs a complete
// negotiation with a freshly minted credential.
type Session struct {
	cfg    *Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	transport  AudioTransport
	dispatcher *dispatcher
	pump       *capture.Pump
	openedAt   time.Time

	// openCancel aborts the in-flight negotiation when Close arrives
	// mid-handshake. closeRequested makes that Close stick: the opening
	// goroutine checks it before committing to StateOpen.
	openCancel     context.CancelFunc
	closeRequested bool
}

// Metrics is a point-in-time snapshot of session health.
type Metrics struct {
	State      State
	OpenedAt   time.Time
	Uptime     time.Duration
	FramesSent int64
}

// New creates a Session from functional options.
func New(opts ...Option) (*Session, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session"),
	}, nil
}

// Open negotiates one session attempt: mint and claim a credential, check
// the capture device, establish the media path and event channel, push the
// initial session configuration, then start the pipelines.
//
// Failure modes keep their ordering guarantees: a rejected credential fails
// before any device is touched, and a device mismatch fails before any
// network handshake is attempted.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosing:
		s.mu.Unlock()
		return ErrTearingDown
	case StateOpen, StateNegotiating:
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = StateNegotiating
	s.openCancel = cancel
	s.closeRequested = false
	s.mu.Unlock()
	defer cancel()

	err := s.open(ctx)

	s.mu.Lock()
	s.openCancel = nil
	if err != nil {
		if s.closeRequested {
			// Close won the race with negotiation; report that, not the
			// cancellation it induced.
			err = ErrClosed
			s.state = StateClosed
		} else {
			s.state = StateIdle
		}
	}
	s.mu.Unlock()
	return err
}

func (s *Session) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeWindow)
	defer cancel()

	// Credential first. Nothing else is acquired until the broker says yes.
	cred, err := s.cfg.Credentials.Issue(ctx)
	if err != nil {
		return &CredentialError{Cause: err}
	}
	token, err := cred.Claim()
	if err != nil {
		return &CredentialError{Cause: err}
	}
	s.logger.Info("credential claimed", "expires_at", cred.ExpiresAt())

	// Device format check before any network traffic. A mismatch is
	// user-actionable and retrying negotiation will not fix it.
	if s.cfg.Source != nil {
		cfg := s.cfg.Source.Config()
		if err := cfg.Validate(); err != nil {
			return &DeviceError{Cause: err}
		}
	}

	var transport AudioTransport
	if s.cfg.Transport != nil {
		transport = s.cfg.Transport()
	} else {
		transport = NewFramedDataTransport(s.cfg.Model, s.cfg.Logger,
			WithFramedURL(s.cfg.WSURL),
			WithFramedReadTimeout(s.cfg.ReadTimeout),
		)
	}

	if err := transport.Connect(ctx, token); err != nil {
		var negErr *NegotiationError
		if !errors.As(err, &negErr) {
			err = &NegotiationError{Cause: err}
		}
		return err
	}

	// Session configuration is the first control message on the channel.
	if err := transport.SendEvent(s.initialUpdate()); err != nil {
		transport.Close()
		return &NegotiationError{Cause: fmt.Errorf("initial session.update: %w", err)}
	}

	var pump *capture.Pump
	if s.cfg.Source != nil {
		pump = capture.New(s.cfg.Source, transport, capture.WithLogger(s.cfg.Logger))
		if err := pump.Start(ctx); err != nil {
			transport.Close()
			return &DeviceError{Cause: err}
		}
	}

	// The session is open before the dispatcher spins up so a transport
	// that dies immediately tears down through the normal Close path.
	disp := newDispatcher(s.cfg, transport, s.onFatal)

	s.mu.Lock()
	if s.closeRequested {
		// Close arrived while the handshake was in flight. Release
		// everything acquired so far instead of committing.
		s.mu.Unlock()
		if pump != nil {
			pump.Stop()
		}
		transport.Close()
		return ErrClosed
	}
	s.transport = transport
	s.dispatcher = disp
	s.pump = pump
	s.state = StateOpen
	s.openedAt = time.Now()
	s.mu.Unlock()

	go disp.run()

	s.logger.Info("session open",
		"native_transport", transport.Native(),
		"model", s.cfg.Model,
		"voice", s.cfg.Voice,
	)
	return nil
}

// OpenWithRetry runs Open up to the configured attempt budget. Only
// retryable negotiation failures are retried; each attempt mints a fresh
// credential because claimed ones cannot be reused.
func (s *Session) OpenWithRetry(ctx context.Context) error {
	attempts := s.cfg.OpenAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := s.Open(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var negErr *NegotiationError
		if !errors.As(err, &negErr) || !negErr.IsRetryable() || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("negotiation attempt failed",
			"attempt", i, "of", attempts, "error", err)
	}
	return lastErr
}

// initialUpdate builds the session.update that configures voice, formats,
// turn detection, and declared tools.
func (s *Session) initialUpdate() sessionUpdateEvent {
	td := s.cfg.TurnDetection

	payload := sessionPayload{
		Modalities:        []string{"text", "audio"},
		Instructions:      s.cfg.Instructions,
		Voice:             s.cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: map[string]any{
			"model": "whisper-1",
		},
		TurnDetection: &td,
	}
	if len(s.cfg.Tools) > 0 {
		for _, def := range s.cfg.Tools {
			payload.Tools = append(payload.Tools, def.Payload())
		}
		payload.ToolChoice = "auto"
	}
	return sessionUpdateEvent{Type: "session.update", Session: payload}
}

// onFatal is the dispatcher's terminal-error hook. Teardown runs on its own
// goroutine; the dispatcher is mid-exit when this fires and Close joins it.
func (s *Session) onFatal(err error) {
	if err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Error("session lost", "error", err)
		if s.cfg.Callbacks.OnError != nil {
			s.cfg.Callbacks.OnError(err)
		}
	}
	go s.Close()
}

// Close tears the session down: capture stops, the dispatcher drains, the
// transport closes, and queued playback is flushed. Idempotent and safe to
// call concurrently from any state. A Close during negotiation aborts the
// handshake; the opening goroutine releases whatever it acquired and its
// Open returns ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateNegotiating {
		s.closeRequested = true
		if s.openCancel != nil {
			s.openCancel()
		}
		s.mu.Unlock()
		return nil
	}
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	pump := s.pump
	disp := s.dispatcher
	transport := s.transport
	s.pump = nil
	s.dispatcher = nil
	s.transport = nil
	s.mu.Unlock()

	var errs []error
	if pump != nil {
		if err := pump.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if disp != nil {
		disp.stop()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.Playback != nil {
		s.cfg.Playback.Clear()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("session closed")
	return errors.Join(errs...)
}

// SendText injects a typed trainee message into the conversation and asks
// the agent to respond, for accessibility and scripted scenario beats.
func (s *Session) SendText(text string) error {
	transport, err := s.liveTransport()
	if err != nil {
		return err
	}

	item := itemCreateEvent{
		Type: "conversation.item.create",
		Item: messageItem{
			Type: "message",
			Role: "user",
			Content: []messageContent{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := transport.SendEvent(item); err != nil {
		return err
	}
	return transport.SendEvent(bareEvent{Type: "response.create"})
}

// CancelResponse aborts the in-flight agent response and flushes any
// queued playback so cancellation is audible immediately.
func (s *Session) CancelResponse() error {
	transport, err := s.liveTransport()
	if err != nil {
		return err
	}
	if s.cfg.Playback != nil {
		s.cfg.Playback.Clear()
	}
	return transport.SendEvent(bareEvent{Type: "response.cancel"})
}

// UpdateTurnDetection pushes new voice-activity-detection parameters
// mid-session. Callers gate on materiality; this method always sends.
func (s *Session) UpdateTurnDetection(td TurnDetection) error {
	transport, err := s.liveTransport()
	if err != nil {
		return err
	}
	s.logger.Info("updating turn detection",
		"threshold", td.Threshold,
		"silence_duration_ms", td.SilenceDurationMs,
		"prefix_padding_ms", td.PrefixPaddingMs,
	)
	return transport.SendEvent(sessionUpdateEvent{
		Type:    "session.update",
		Session: sessionPayload{TurnDetection: &td},
	})
}

// DeclaredTools returns the tool definitions this session advertises.
func (s *Session) DeclaredTools() []tools.Definition {
	return s.cfg.Tools
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns a snapshot of session health.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{State: s.state, OpenedAt: s.openedAt}
	if s.state == StateOpen {
		m.Uptime = time.Since(s.openedAt)
	}
	if s.pump != nil {
		m.FramesSent = s.pump.FramesSent()
	}
	return m
}

func (s *Session) liveTransport() (AudioTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.transport == nil {
		return nil, ErrNotOpen
	}
	return s.transport, nil
}
