package session

import (
	"log/slog"
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
	"github.com/tradecraft-ai/voicelab/pkg/audioio"
	"github.com/tradecraft-ai/voicelab/pkg/credentials"
	"github.com/tradecraft-ai/voicelab/pkg/tools"
)

// Defaults for the remote voice endpoint.
const (
	DefaultRealtimeWSURL   = "wss://api.openai.com/v1/realtime"
	DefaultNegotiateURL    = "https://api.openai.com/v1/realtime"
	DefaultModel           = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice           = "sage"
	DefaultHandshakeWindow = 30 * time.Second
	DefaultReadTimeout     = 5 * time.Minute
	DefaultOpenAttempts    = 3
)

// FrameSink receives inbound synthesized-audio frames for ordered playback.
// Implemented by playback.Queue.
type FrameSink interface {
	Enqueue(frame audio.Frame)
	Clear()
}

// StateRecorder receives conversational lifecycle transitions from the
// dispatcher. Implemented by interaction.Tracker.
type StateRecorder interface {
	SpeechStarted(at time.Time)
	SpeechStopped(at time.Time)
	ResponseStarted(at time.Time)
	ResponseCompleted(at time.Time)
	Interruption()
	AudioFault()
}

// Callbacks groups the session's event callbacks. Any may be nil.
type Callbacks struct {
	// OnReady fires when the remote endpoint confirms session creation.
	OnReady func()

	// OnSpeechStarted / OnSpeechStopped track the trainee's speaking turns.
	OnSpeechStarted func()
	OnSpeechStopped func()

	// OnResponseStarted / OnResponseCompleted track the agent's turns.
	OnResponseStarted   func()
	OnResponseCompleted func()

	// OnTranscript delivers transcript text. role is "user" or "agent";
	// isFinal marks completed segments.
	OnTranscript func(role, text string, isFinal bool)

	// OnError receives every surfaced error, including remote error
	// events verbatim. Never called for contained decode/protocol faults
	// unless surfacing is useful (those also log).
	OnError func(err error)
}

// Config holds session configuration.
type Config struct {
	// Credentials mints the single-use session credential.
	Credentials credentials.Source

	// Source is the local microphone. Acquired exclusively for the
	// session's lifetime during Open.
	Source audioio.Source

	// Playback receives inbound audio frames in strict arrival order.
	Playback FrameSink

	// Recorder observes lifecycle transitions for turn tuning.
	Recorder StateRecorder

	// Transport overrides the default framed WebSocket transport. It is
	// a factory, not an instance: transports are single-shot, and every
	// negotiation attempt needs a fresh one.
	Transport func() AudioTransport

	// Resolver handles tool calls. Nil disables tool dispatch.
	Resolver tools.Resolver

	// Tools are declared to the remote endpoint in the initial
	// session.update.
	Tools []tools.Definition

	// Voice is the synthesized voice identity.
	Voice string

	// Instructions is the scenario prompt pushed at session start.
	// Assembled by the scenario layer; opaque here.
	Instructions string

	// Model selects the remote model.
	Model string

	// WSURL is the framed-transport endpoint.
	WSURL string

	// NegotiateURL is the SDP negotiation endpoint for the native
	// transport.
	NegotiateURL string

	// TurnDetection is the initial turn-detection configuration.
	TurnDetection TurnDetection

	// OpenAttempts bounds negotiation retries. Each attempt mints a
	// fresh credential.
	OpenAttempts int

	// HandshakeWindow bounds how long Open may block.
	HandshakeWindow time.Duration

	// ReadTimeout is the inbound event-channel idle limit.
	ReadTimeout time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger

	// Callbacks are the session event callbacks.
	Callbacks Callbacks
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Voice:           DefaultVoice,
		Model:           DefaultModel,
		WSURL:           DefaultRealtimeWSURL,
		NegotiateURL:    DefaultNegotiateURL,
		OpenAttempts:    DefaultOpenAttempts,
		HandshakeWindow: DefaultHandshakeWindow,
		ReadTimeout:     DefaultReadTimeout,
		Logger:          slog.Default(),
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Credentials == nil {
		return ErrNoCredentialSource
	}
	return nil
}

// Apply applies functional options.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Option is a functional option for configuring a session.
type Option func(*Config)

// WithCredentials sets the credential broker source.
func WithCredentials(src credentials.Source) Option {
	return func(c *Config) { c.Credentials = src }
}

// WithSource sets the local audio source.
func WithSource(src audioio.Source) Option {
	return func(c *Config) { c.Source = src }
}

// WithPlayback sets the inbound audio sink.
func WithPlayback(sink FrameSink) Option {
	return func(c *Config) { c.Playback = sink }
}

// WithRecorder sets the interaction state recorder.
func WithRecorder(r StateRecorder) Option {
	return func(c *Config) { c.Recorder = r }
}

// WithTransport overrides the transport strategy. The factory is invoked
// once per negotiation attempt so retries never reuse a spent transport.
func WithTransport(dial func() AudioTransport) Option {
	return func(c *Config) { c.Transport = dial }
}

// WithResolver sets the tool-call resolver.
func WithResolver(r tools.Resolver) Option {
	return func(c *Config) { c.Resolver = r }
}

// WithTools declares the tool schema for the session.
func WithTools(defs ...tools.Definition) Option {
	return func(c *Config) { c.Tools = append(c.Tools, defs...) }
}

// WithVoice sets the synthesized voice identity.
func WithVoice(voice string) Option {
	return func(c *Config) { c.Voice = voice }
}

// WithInstructions sets the scenario instructions.
func WithInstructions(instructions string) Option {
	return func(c *Config) { c.Instructions = instructions }
}

// WithModel sets the remote model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithTurnDetection sets the initial turn-detection parameters.
func WithTurnDetection(td TurnDetection) Option {
	return func(c *Config) { c.TurnDetection = td }
}

// WithOpenAttempts bounds negotiation retries.
func WithOpenAttempts(n int) Option {
	return func(c *Config) { c.OpenAttempts = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Config) { c.Callbacks = cb }
}
