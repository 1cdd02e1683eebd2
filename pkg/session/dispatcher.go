package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
	"github.com/tradecraft-ai/voicelab/pkg/tools"
)

// dispatcher is the single reader of the transport's inbound streams. All
// event routing, playback handoff, and tool-call correlation happens on its
// one goroutine; only tool resolution runs off-loop.
type dispatcher struct {
	cfg       *Config
	transport AudioTransport
	logger    *slog.Logger

	// done is closed by the session to stop the loop.
	done chan struct{}

	// finished is closed by the loop on exit. The session joins on it
	// during teardown.
	finished chan struct{}

	// fatal hands a terminal error back to the session exactly once.
	fatal func(err error)

	// agentSpeaking tracks whether a response is mid-flight, for barge-in.
	// Loop-local, no locking.
	agentSpeaking bool

	// toolInFlight enforces at most one unresolved tool call per turn.
	// Written by the loop, cleared by the resolve goroutine.
	toolInFlight atomic.Bool
}

func newDispatcher(cfg *Config, t AudioTransport, fatal func(error)) *dispatcher {
	return &dispatcher{
		cfg:       cfg,
		transport: t,
		logger:    cfg.Logger.With("component", "dispatcher"),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		fatal:     fatal,
	}
}

func (d *dispatcher) stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	<-d.finished
}

// run consumes the transport until it closes, the session stops it, or the
// inbound stream goes idle past the read timeout.
func (d *dispatcher) run() {
	defer close(d.finished)

	idle := time.NewTimer(d.cfg.ReadTimeout)
	defer idle.Stop()

	events := d.transport.Events()
	audioIn := d.transport.AudioIn()

	for {
		select {
		case <-d.done:
			return

		case <-d.transport.Done():
			// Transport terminated. Native transports signal only this
			// way; their inbound channels stay open because external
			// callbacks feed them. Deliver anything already buffered
			// before surfacing the terminal error.
			d.drain(events)
			d.terminal()
			return

		case <-idle.C:
			d.fatal(&TransportError{Kind: FaultNetwork, Cause: context.DeadlineExceeded})
			return

		case frame, ok := <-audioIn:
			if !ok {
				audioIn = nil
				continue
			}
			d.resetIdle(idle)
			if d.cfg.Playback != nil {
				d.cfg.Playback.Enqueue(frame)
			}

		case raw, ok := <-events:
			if !ok {
				d.terminal()
				return
			}
			d.resetIdle(idle)
			d.handle(raw)
		}
	}
}

// drain routes events already buffered at termination, without blocking.
func (d *dispatcher) drain(events <-chan []byte) {
	for {
		select {
		case raw, ok := <-events:
			if !ok {
				return
			}
			d.handle(raw)
		default:
			return
		}
	}
}

// terminal reports the transport's terminal error to the session.
func (d *dispatcher) terminal() {
	if err := d.transport.Err(); err != nil {
		d.fatal(&TransportError{Kind: FaultNetwork, Cause: err})
	} else {
		d.fatal(ErrClosed)
	}
}

func (d *dispatcher) resetIdle(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d.cfg.ReadTimeout)
}

func (d *dispatcher) handle(raw []byte) {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		perr := &ProtocolError{Cause: err}
		d.logger.Warn("discarding malformed event", "error", err)
		d.surface(perr)
		return
	}

	switch ev.Type {
	case evSessionCreated:
		d.logger.Info("session confirmed by remote endpoint")
		if d.cfg.Callbacks.OnReady != nil {
			d.cfg.Callbacks.OnReady()
		}

	case evSessionUpdated:
		d.logger.Debug("session configuration acknowledged")

	case evSpeechStarted:
		now := time.Now()
		if d.cfg.Recorder != nil {
			d.cfg.Recorder.SpeechStarted(now)
		}
		if d.agentSpeaking {
			d.bargeIn()
		}
		if d.cfg.Callbacks.OnSpeechStarted != nil {
			d.cfg.Callbacks.OnSpeechStarted()
		}

	case evSpeechStopped:
		if d.cfg.Recorder != nil {
			d.cfg.Recorder.SpeechStopped(time.Now())
		}
		if d.cfg.Callbacks.OnSpeechStopped != nil {
			d.cfg.Callbacks.OnSpeechStopped()
		}

	case evResponseCreated:
		d.agentSpeaking = true
		d.toolInFlight.Store(false)
		if d.cfg.Recorder != nil {
			d.cfg.Recorder.ResponseStarted(time.Now())
		}
		if d.cfg.Callbacks.OnResponseStarted != nil {
			d.cfg.Callbacks.OnResponseStarted()
		}

	case evAudioDelta:
		d.handleAudioDelta(ev.Delta)

	case evAudioDone:
		d.logger.Debug("response audio complete")

	case evTranscriptDelta:
		if d.cfg.Callbacks.OnTranscript != nil {
			d.cfg.Callbacks.OnTranscript("agent", ev.Delta, false)
		}

	case evUserTranscriptDone:
		if d.cfg.Callbacks.OnTranscript != nil {
			d.cfg.Callbacks.OnTranscript("user", ev.Transcript, true)
		}

	case evFunctionCallDone:
		d.handleToolCall(ev)

	case evResponseDone:
		d.agentSpeaking = false
		if d.cfg.Recorder != nil {
			d.cfg.Recorder.ResponseCompleted(time.Now())
		}
		if d.cfg.Callbacks.OnResponseCompleted != nil {
			d.cfg.Callbacks.OnResponseCompleted()
		}

	case evError:
		rerr := &RemoteError{}
		if ev.Error != nil {
			rerr.Message = ev.Error.Message
			rerr.Code = ev.Error.Code
		}
		d.logger.Error("remote error event", "code", rerr.Code, "message", rerr.Message)
		d.surface(rerr)

	default:
		d.logger.Warn("discarding unrecognized event", "type", ev.Type)
	}
}

// handleAudioDelta decodes one base64 audio chunk and queues it for
// playback. A malformed chunk is contained: it is logged, counted as an
// audio fault, and skipped without touching neighboring chunks.
func (d *dispatcher) handleAudioDelta(delta string) {
	pcm, err := audio.DecodeWireChunk(delta)
	if err != nil {
		derr := &DecodeError{Cause: err}
		d.logger.Warn("skipping undecodable audio chunk", "error", err)
		if d.cfg.Recorder != nil {
			d.cfg.Recorder.AudioFault()
		}
		d.surface(derr)
		return
	}
	if d.cfg.Playback != nil {
		d.cfg.Playback.Enqueue(audio.Frame{PCM: pcm, Received: time.Now()})
	}
}

// bargeIn handles the trainee speaking over the agent: queued audio is
// flushed immediately and the in-flight response is cancelled so stale
// speech never plays out after the interruption.
func (d *dispatcher) bargeIn() {
	d.logger.Info("barge-in detected, flushing playback")
	if d.cfg.Playback != nil {
		d.cfg.Playback.Clear()
	}
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.Interruption()
	}
	if err := d.transport.SendEvent(bareEvent{Type: "response.cancel"}); err != nil {
		d.logger.Warn("response.cancel send failed", "error", err)
	}
	d.agentSpeaking = false
}

// handleToolCall resolves one tool request and sends exactly one
// function_call_output carrying the originating call_id, followed by a
// response.create so the agent speaks the outcome.
func (d *dispatcher) handleToolCall(ev serverEvent) {
	if d.cfg.Resolver == nil {
		d.logger.Warn("tool call received with no resolver configured", "name", ev.Name, "call_id", ev.CallID)
		return
	}
	if !d.toolInFlight.CompareAndSwap(false, true) {
		d.logger.Error("rejecting concurrent tool call", "name", ev.Name, "call_id", ev.CallID)
		d.surface(ErrToolCallInFlight)
		return
	}

	req := tools.Request{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments}
	d.logger.Info("resolving tool call", "name", req.Name, "call_id", req.CallID)

	// Resolution may hit slow backends; run it off-loop so audio deltas
	// keep flowing while the call is pending.
	go func() {
		defer d.toolInFlight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := d.cfg.Resolver.Resolve(ctx, req)
		output := res.Output
		if err != nil {
			d.logger.Error("tool resolution failed", "name", req.Name, "call_id", req.CallID, "error", err)
			output = "Error: " + err.Error()
		}

		item := itemCreateEvent{
			Type: "conversation.item.create",
			Item: functionCallOutputItem{
				Type:   "function_call_output",
				CallID: req.CallID,
				Output: output,
			},
		}
		if err := d.transport.SendEvent(item); err != nil {
			d.logger.Error("tool result send failed", "call_id", req.CallID, "error", err)
			return
		}
		if err := d.transport.SendEvent(bareEvent{Type: "response.create"}); err != nil {
			d.logger.Error("response.create send failed", "call_id", req.CallID, "error", err)
		}
	}()
}

func (d *dispatcher) surface(err error) {
	if d.cfg.Callbacks.OnError != nil {
		d.cfg.Callbacks.OnError(err)
	}
}
