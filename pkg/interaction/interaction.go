// Package interaction tracks conversational state across one session and
// turns it into turn-detection tuning and escalation signals.
//
// The dispatcher is the only writer: lifecycle events arrive through the
// transition methods and accumulate monotonically until Reset. Readers get
// snapshots; nothing here mutates on read.
package interaction

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is the conversational phase, owned by the scenario layer. The
// tracker consumes it opaquely; unknown values fall back to neutral tuning.
type Phase string

const (
	PhaseOpening   Phase = "opening"
	PhaseDiscovery Phase = "discovery"
	PhaseObjection Phase = "objection"
	PhaseClosing   Phase = "closing"
)

// State is a snapshot of the per-session counters.
type State struct {
	// RemoteSpeaking reports whether the trainee is mid-utterance.
	RemoteSpeaking bool

	// Silence is the time since the last conversational activity.
	Silence time.Duration

	// Interruptions counts barge-ins over the agent's speech.
	Interruptions int

	// AudioFaults counts contained audio-quality failures.
	AudioFaults int

	// Turns counts completed agent responses.
	Turns int

	// SessionAge is the time since session start.
	SessionAge time.Duration
}

// Tracker accumulates InteractionState for one session. It implements the
// dispatcher's state-recorder hooks.
type Tracker struct {
	logger *slog.Logger

	mu            sync.Mutex
	startedAt     time.Time
	lastActivity  time.Time
	speaking      bool
	interruptions int
	audioFaults   int
	turns         int

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a Tracker with its clock started.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "interaction")
	now := t.now()
	t.startedAt = now
	t.lastActivity = now
	return t
}

// Reset discards accumulated state at the start of a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.startedAt = now
	t.lastActivity = now
	t.speaking = false
	t.interruptions = 0
	t.audioFaults = 0
	t.turns = 0
}

// SpeechStarted records the trainee beginning an utterance.
func (t *Tracker) SpeechStarted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speaking = true
	t.lastActivity = at
}

// SpeechStopped records the trainee finishing an utterance.
func (t *Tracker) SpeechStopped(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speaking = false
	t.lastActivity = at
}

// ResponseStarted records the agent beginning a response.
func (t *Tracker) ResponseStarted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = at
}

// ResponseCompleted records the agent finishing a response.
func (t *Tracker) ResponseCompleted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns++
	t.lastActivity = at
}

// Interruption records a barge-in over agent speech.
func (t *Tracker) Interruption() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interruptions++
	t.logger.Debug("interruption recorded", "total", t.interruptions)
}

// AudioFault records one contained audio-quality failure.
func (t *Tracker) AudioFault() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioFaults++
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	return State{
		RemoteSpeaking: t.speaking,
		Silence:        t.silenceLocked(now),
		Interruptions:  t.interruptions,
		AudioFaults:    t.audioFaults,
		Turns:          t.turns,
		SessionAge:     now.Sub(t.startedAt),
	}
}

func (t *Tracker) silenceLocked(now time.Time) time.Duration {
	if t.speaking {
		return 0
	}
	return now.Sub(t.lastActivity)
}
