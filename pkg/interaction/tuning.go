package interaction

import (
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/session"
)

// Bounds clamp computed turn-detection parameters. Whatever the inputs,
// results stay inside these ranges.
type Bounds struct {
	MinThreshold float64
	MaxThreshold float64
	MinSilence   time.Duration
	MaxSilence   time.Duration
	MinPrefix    time.Duration
	MaxPrefix    time.Duration
}

// DefaultBounds returns the production clamp ranges.
func DefaultBounds() Bounds {
	return Bounds{
		MinThreshold: 0.3,
		MaxThreshold: 0.9,
		MinSilence:   200 * time.Millisecond,
		MaxSilence:   1200 * time.Millisecond,
		MinPrefix:    100 * time.Millisecond,
		MaxPrefix:    500 * time.Millisecond,
	}
}

// Thresholds configure when DetectProblematicPattern raises a signal.
type Thresholds struct {
	MaxInterruptions int
	MaxAudioFaults   int
	SilenceCeiling   time.Duration
}

// DefaultThresholds returns the production escalation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxInterruptions: 5,
		MaxAudioFaults:   10,
		SilenceCeiling:   30 * time.Second,
	}
}

// Severity tags an escalation signal.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Signal is an escalation raised by DetectProblematicPattern. The caller
// decides whether to surface a human-escalation prompt.
type Signal struct {
	Severity Severity
	Reason   string
}

// ComputeTurnDetectionParams derives turn-detection parameters from
// accumulated state plus external context. Pure with respect to the
// tracker: it reads a snapshot and mutates nothing.
//
// trustLevel in [0, 1] comes from the scenario layer: higher trust means
// the simulated prospect yields the floor faster. Interruption history
// lengthens the silence window so a flustered trainee is not talked over,
// and audio faults raise the threshold so line noise stops triggering
// phantom turns.
func (t *Tracker) ComputeTurnDetectionParams(trustLevel float64, phase Phase) session.TurnDetection {
	return computeParams(t.Snapshot(), trustLevel, phase, DefaultBounds())
}

// ComputeTurnDetectionParamsIn is ComputeTurnDetectionParams with explicit
// clamp bounds.
func (t *Tracker) ComputeTurnDetectionParamsIn(trustLevel float64, phase Phase, b Bounds) session.TurnDetection {
	return computeParams(t.Snapshot(), trustLevel, phase, b)
}

func computeParams(s State, trustLevel float64, phase Phase, b Bounds) session.TurnDetection {
	if trustLevel < 0 {
		trustLevel = 0
	}
	if trustLevel > 1 {
		trustLevel = 1
	}

	threshold := 0.5
	silence := 500 * time.Millisecond
	prefix := 300 * time.Millisecond

	// Trust shortens the agent's patience: a trusted trainee gets the
	// floor back quickly, a cold prospect makes them finish sentences.
	silence -= time.Duration(float64(200*time.Millisecond) * trustLevel)
	threshold -= 0.1 * trustLevel

	switch phase {
	case PhaseDiscovery:
		// Thinking pauses are expected; do not cut them off.
		silence += 300 * time.Millisecond
	case PhaseObjection:
		threshold += 0.1
		silence += 100 * time.Millisecond
	case PhaseClosing:
		silence -= 100 * time.Millisecond
	}

	// Each interruption buys the trainee a longer grace window.
	silence += time.Duration(s.Interruptions) * 50 * time.Millisecond

	// Noisy lines need a higher bar before a turn flips.
	threshold += 0.05 * float64(s.AudioFaults)

	return session.TurnDetection{
		Type:              "server_vad",
		Threshold:         clampFloat(threshold, b.MinThreshold, b.MaxThreshold),
		PrefixPaddingMs:   int(clampDuration(prefix, b.MinPrefix, b.MaxPrefix) / time.Millisecond),
		SilenceDurationMs: int(clampDuration(silence, b.MinSilence, b.MaxSilence) / time.Millisecond),
	}
}

// Materially reports whether the difference between two parameter sets is
// worth a configuration-update message. Re-applying on every event would
// thrash the remote endpoint for changes nobody can hear.
func Materially(old, next session.TurnDetection) bool {
	diff := old.Threshold - next.Threshold
	if diff < 0 {
		diff = -diff
	}
	if diff >= 0.05 {
		return true
	}
	silenceDiff := old.SilenceDurationMs - next.SilenceDurationMs
	if silenceDiff < 0 {
		silenceDiff = -silenceDiff
	}
	if silenceDiff >= 100 {
		return true
	}
	prefixDiff := old.PrefixPaddingMs - next.PrefixPaddingMs
	if prefixDiff < 0 {
		prefixDiff = -prefixDiff
	}
	return prefixDiff >= 50
}

// DetectProblematicPattern flags sustained problems: too many barge-ins,
// too many audio faults, or dead air past the ceiling. Returns nil when
// nothing has crossed a threshold, which is always the case for a fresh
// session. Read-only.
func (t *Tracker) DetectProblematicPattern() *Signal {
	return detectPattern(t.Snapshot(), DefaultThresholds())
}

// DetectProblematicPatternIn is DetectProblematicPattern with explicit
// thresholds.
func (t *Tracker) DetectProblematicPatternIn(th Thresholds) *Signal {
	return detectPattern(t.Snapshot(), th)
}

func detectPattern(s State, th Thresholds) *Signal {
	if s.Interruptions > th.MaxInterruptions {
		return &Signal{Severity: SeverityHigh, Reason: "interruption count exceeded"}
	}
	if s.AudioFaults > th.MaxAudioFaults {
		return &Signal{Severity: SeverityWarning, Reason: "audio fault count exceeded"}
	}
	if !s.RemoteSpeaking && s.Silence > th.SilenceCeiling {
		return &Signal{Severity: SeverityHigh, Reason: "silence ceiling exceeded"}
	}
	return nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Ensure Tracker satisfies the dispatcher's recorder contract.
var _ session.StateRecorder = (*Tracker)(nil)
