package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
	"github.com/tradecraft-ai/voicelab/pkg/audioio"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSender) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPumpForwardsFrames(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithSineWave(440, 0.5))
	sink := &recordingSender{}
	pump := New(src, sink)

	if err := pump.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return sink.count() >= 3 })

	if err := pump.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sink.mu.Lock()
	first := sink.frames[0]
	sink.mu.Unlock()
	if len(first)%audio.BytesPerSample != 0 {
		t.Errorf("frame length %d is not sample-aligned", len(first))
	}
	if pump.FramesSent() < 3 {
		t.Errorf("expected at least 3 frames counted, got %d", pump.FramesSent())
	}
}

func TestPumpRejectsRateMismatch(t *testing.T) {
	cfg := audioio.DefaultConfig()
	cfg.SampleRate = 44100
	src := audioio.NewMockSource(cfg, nil)
	pump := New(src, &recordingSender{})

	err := pump.Start(context.Background())
	if !errors.Is(err, audioio.ErrRateMismatch) {
		t.Fatalf("expected ErrRateMismatch, got %v", err)
	}
}

func TestPumpDoubleStart(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil)
	pump := New(src, &recordingSender{})

	if err := pump.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pump.Stop()

	if err := pump.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestPumpGivesUpOnDeadSink(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil)
	sink := &recordingSender{err: errors.New("transport closed")}
	pump := New(src, sink)

	if err := pump.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return pump.Err() != nil })
	pump.Stop()

	if pump.Err() == nil {
		t.Fatal("expected terminal error after repeated send failures")
	}
}

func TestPumpStopIdempotent(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil)
	pump := New(src, &recordingSender{})

	if err := pump.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pump.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := pump.Stop(); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
}
