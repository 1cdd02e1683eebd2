// Package playback renders inbound session audio in strict arrival order.
//
// The queue is the egress half of the audio pipeline: synthesized frames
// arrive from the dispatcher, are wrapped in a self-describing container,
// and play one at a time. A frame the device rejects is skipped, never
// replayed, and never takes its neighbors down with it.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
	"github.com/tradecraft-ai/voicelab/pkg/audioio"
)

// Queue is a strict-FIFO playback queue over one Player.
type Queue struct {
	player audioio.Player
	logger *slog.Logger

	mu      sync.Mutex
	pending []audio.Frame
	running bool
	gen     uint64
	wake    chan struct{}
	done    chan struct{}

	finished chan struct{}

	played  atomic.Int64
	faults  atomic.Int64
	dropped atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a Queue rendering to player.
func New(player audioio.Player, opts ...Option) *Queue {
	q := &Queue{
		player: player,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "playback")
	return q
}

// Start launches the playback worker. Safe to call once per Queue.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.wake = make(chan struct{}, 1)
	q.done = make(chan struct{})
	q.finished = make(chan struct{})
	go q.loop()
}

// Stop flushes the queue, halts the current item, and joins the worker.
// Safe to call multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.pending = nil
	finished := q.finished
	close(q.done)
	q.mu.Unlock()

	q.player.Halt()
	<-finished

	q.logger.Info("playback stopped",
		"played", q.played.Load(),
		"faults", q.faults.Load(),
		"dropped", q.dropped.Load(),
	)
}

// Enqueue appends one frame to the tail of the queue. Frames play in
// exactly the order they were enqueued. Enqueue on a stopped queue drops
// the frame.
func (q *Queue) Enqueue(frame audio.Frame) {
	if len(frame.PCM) == 0 {
		return
	}
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		q.dropped.Add(1)
		return
	}
	q.pending = append(q.pending, frame)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear discards every queued frame and halts the item currently playing.
// Used for barge-in: stale agent speech must never play after the trainee
// starts talking.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.gen++
	running := q.running
	q.mu.Unlock()

	if running {
		q.player.Halt()
	}
	if n > 0 {
		q.dropped.Add(int64(n))
		q.logger.Info("playback flushed", "discarded", n)
	}
}

// Len returns the number of frames waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Played returns the number of frames rendered to completion.
func (q *Queue) Played() int64 { return q.played.Load() }

// Faults returns the number of frames the device rejected.
func (q *Queue) Faults() int64 { return q.faults.Load() }

// loop pops and plays one frame at a time. Pops happen one by one so a
// Clear between items takes effect immediately.
func (q *Queue) loop() {
	defer close(q.finished)

	for {
		frame, gen, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		select {
		case <-q.done:
			return
		default:
		}

		q.render(frame, gen)
	}
}

// render plays one frame unless a Clear landed after the frame was popped.
// The generation re-check closes the window where a popped frame would
// otherwise outlive a barge-in flush.
func (q *Queue) render(frame audio.Frame, gen uint64) {
	q.mu.Lock()
	stale := gen != q.gen
	q.mu.Unlock()
	if stale {
		q.dropped.Add(1)
		return
	}

	container := audio.PCMToWAVSession(frame.PCM)
	if err := q.player.Play(context.Background(), container); err != nil {
		// One bad item never stalls the queue; log, count, move on.
		q.faults.Add(1)
		q.logger.Warn("playback item failed, skipping",
			"bytes", len(frame.PCM),
			"duration", frame.Duration(),
			"error", err,
		)
		return
	}
	q.played.Add(1)
}

func (q *Queue) pop() (audio.Frame, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return audio.Frame{}, q.gen, false
	}
	frame := q.pending[0]
	q.pending = q.pending[1:]
	return frame, q.gen, true
}
