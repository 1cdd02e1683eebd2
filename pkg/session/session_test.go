package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
	"github.com/tradecraft-ai/voicelab/pkg/audioio"
	"github.com/tradecraft-ai/voicelab/pkg/credentials"
	"github.com/tradecraft-ai/voicelab/pkg/tools"
)

// mockTransport is an in-memory AudioTransport for dispatcher and session
// lifecycle tests.
type mockTransport struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	closed     bool
	sent       []any
	sentAudio  [][]byte
	events     chan []byte
	done       chan struct{}
	termErr    error

	// connectHold, when set, blocks Connect until released or the
	// handshake context is cancelled. holdIgnoresCancel makes the hold
	// wait out the cancellation so the handshake still completes.
	connectHold       chan struct{}
	holdIgnoresCancel bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (m *mockTransport) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	hold := m.connectHold
	ignoreCancel := m.holdIgnoresCancel
	m.mu.Unlock()
	if hold != nil {
		if ignoreCancel {
			<-hold
		} else {
			select {
			case <-hold:
			case <-ctx.Done():
				return &NegotiationError{Cause: ctx.Err()}
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockTransport) SendEvent(ev any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, ev)
	return nil
}

func (m *mockTransport) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	m.sentAudio = append(m.sentAudio, cp)
	return nil
}

func (m *mockTransport) Events() <-chan []byte       { return m.events }
func (m *mockTransport) AudioIn() <-chan audio.Frame { return nil }
func (m *mockTransport) Native() bool                { return false }
func (m *mockTransport) Done() <-chan struct{}       { return m.done }

func (m *mockTransport) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
		close(m.done)
	}
	return nil
}

// terminate simulates a transport fault that leaves the event channel
// open, as the media-path transport does.
func (m *mockTransport) terminate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.termErr = err
		close(m.done)
	}
}

// push serializes a server event onto the inbound channel.
func (m *mockTransport) push(t *testing.T, ev any) {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	m.events <- raw
}

// sentEvents returns a snapshot of outbound control messages.
func (m *mockTransport) sentEvents() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ AudioTransport = (*mockTransport)(nil)

// mockSink records enqueued frames and Clear calls.
type mockSink struct {
	mu     sync.Mutex
	frames []audio.Frame
	clears int
}

func (s *mockSink) Enqueue(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *mockSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.frames = nil
}

func (s *mockSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *mockSink) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// countingSource fails the test contract if the device is touched when it
// should not be.
type countingSource struct {
	audioio.Source
	starts int
}

func newCountingSource() *countingSource {
	return &countingSource{Source: audioio.NewMockSource(audioio.DefaultConfig(), nil)}
}

func (c *countingSource) Start(ctx context.Context) error {
	c.starts++
	return c.Source.Start(ctx)
}

func openTestSession(t *testing.T, opts ...Option) (*Session, *mockTransport) {
	t.Helper()
	mt := newMockTransport()
	base := []Option{
		WithCredentials(credentials.NewStatic("tok-1", "tok-2", "tok-3")),
		WithTransport(func() AudioTransport { return mt }),
	}
	s, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mt
}

func waitUntil(t *testing.T, cond func() bool) {
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

func TestOpenSendsInitialSessionUpdate(t *testing.T) {
	_, mt := openTestSession(t,
		WithInstructions("You are a skeptical CFO."),
		WithVoice("sage"),
		WithTools(tools.Definition{Name: "log_objection", Description: "d"}),
	)

	sent := mt.sentEvents()
	if len(sent) == 0 {
		t.Fatal("expected initial session.update")
	}
	upd, ok := sent[0].(sessionUpdateEvent)
	if !ok {
		t.Fatalf("first control message must be session.update, got %T", sent[0])
	}
	if upd.Session.Instructions != "You are a skeptical CFO." {
		t.Errorf("instructions not carried: %q", upd.Session.Instructions)
	}
	if upd.Session.InputAudioFormat != "pcm16" || upd.Session.OutputAudioFormat != "pcm16" {
		t.Error("audio formats must both be pcm16")
	}
	if upd.Session.TurnDetection == nil || upd.Session.TurnDetection.Type != "server_vad" {
		t.Error("expected server_vad turn detection in initial update")
	}
	if len(upd.Session.Tools) != 1 || upd.Session.ToolChoice != "auto" {
		t.Errorf("expected 1 declared tool with auto choice, got %d/%q",
			len(upd.Session.Tools), upd.Session.ToolChoice)
	}
}

func TestOpenStateChecks(t *testing.T) {
	s, _ := openTestSession(t)

	if err := s.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestCloseDuringNegotiationAbortsHandshake(t *testing.T) {
	mt := newMockTransport()
	mt.connectHold = make(chan struct{})

	s, err := New(
		WithCredentials(credentials.NewStatic("tok-1")),
		WithTransport(func() AudioTransport { return mt }),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(context.Background()) }()

	waitUntil(t, func() bool { return s.State() == StateNegotiating })
	if err := s.Close(); err != nil {
		t.Fatalf("close during negotiation: %v", err)
	}

	select {
	case err := <-openErr:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("aborted open must report ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open did not return after close")
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state after aborted negotiation, got %v", s.State())
	}
	if err := s.SendText("hello"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("session must not be usable after aborted open, got %v", err)
	}
}

func TestCloseAfterHandshakeCommitWins(t *testing.T) {
	// Close lands after Connect succeeds but before Open returns: the
	// session must still end released, never dangling open.
	hold := make(chan struct{})
	mt := newMockTransport()
	mt.connectHold = hold
	mt.holdIgnoresCancel = true

	src := newCountingSource()
	s, err := New(
		WithCredentials(credentials.NewStatic("tok-1")),
		WithSource(src),
		WithTransport(func() AudioTransport { return mt }),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(context.Background()) }()

	waitUntil(t, func() bool { return s.State() == StateNegotiating })
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(hold) // handshake now completes, but close already landed

	select {
	case err := <-openErr:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open did not return")
	}

	waitUntil(t, func() bool {
		mt.mu.Lock()
		defer mt.mu.Unlock()
		return mt.closed
	})
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %v", s.State())
	}
}

func TestCredentialFailureAcquiresNoDevice(t *testing.T) {
	src := newCountingSource()
	denied := credentials.NewStatic() // exhausted source denies immediately

	s, err := New(
		WithCredentials(denied),
		WithSource(src),
		WithTransport(func() AudioTransport { return newMockTransport() }),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = s.Open(context.Background())
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
	if src.starts != 0 {
		t.Errorf("device must not be acquired when the credential is rejected, got %d starts", src.starts)
	}
	if s.State() != StateIdle {
		t.Errorf("failed open must return to idle, got %v", s.State())
	}
}

func TestOpenWithRetryMintsFreshCredentials(t *testing.T) {
	creds := credentials.NewStatic("a", "b", "c")
	mt := newMockTransport()
	mt.connectErr = &NegotiationError{Status: 503, Cause: errors.New("upstream busy")}

	s, err := New(
		WithCredentials(creds),
		WithTransport(func() AudioTransport { return mt }),
		WithOpenAttempts(3),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = s.OpenWithRetry(context.Background())
	var negErr *NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
	if creds.Issued != 3 {
		t.Errorf("each attempt must mint a fresh credential, issued %d", creds.Issued)
	}
}

func TestOpenWithRetryStopsOnNonRetryable(t *testing.T) {
	creds := credentials.NewStatic("a", "b", "c")
	mt := newMockTransport()
	mt.connectErr = &NegotiationError{Status: 400, Cause: errors.New("bad sdp")}

	s, err := New(WithCredentials(creds), WithTransport(func() AudioTransport { return mt }), WithOpenAttempts(3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.OpenWithRetry(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if creds.Issued != 1 {
		t.Errorf("non-retryable failure must not retry, issued %d", creds.Issued)
	}
}

func TestOpenWithRetryDialsFreshTransportPerAttempt(t *testing.T) {
	// Transports are single-shot: a retry on a spent instance would fail
	// unconditionally and burn the remaining credentials for nothing.
	var mu sync.Mutex
	var dialed []*mockTransport
	dial := func() AudioTransport {
		mu.Lock()
		defer mu.Unlock()
		mt := newMockTransport()
		if len(dialed) == 0 {
			mt.connectErr = &NegotiationError{Status: 503, Cause: errors.New("upstream busy")}
		}
		dialed = append(dialed, mt)
		return mt
	}

	creds := credentials.NewStatic("a", "b", "c")
	s, err := New(
		WithCredentials(creds),
		WithTransport(dial),
		WithOpenAttempts(3),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := s.OpenWithRetry(context.Background()); err != nil {
		t.Fatalf("retry must succeed on the second attempt, got %v", err)
	}
	defer s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 2 {
		t.Fatalf("expected one transport per attempt, dialed %d", len(dialed))
	}
	if dialed[0] == dialed[1] {
		t.Error("attempts must not share a transport instance")
	}
	if creds.Issued != 2 {
		t.Errorf("expected 2 minted credentials, got %d", creds.Issued)
	}
}

func TestAudioDeltasPreserveArrivalOrder(t *testing.T) {
	sink := &mockSink{}
	_, mt := openTestSession(t, WithPlayback(sink))

	chunks := [][]byte{{1, 0, 2, 0}, {3, 0, 4, 0}, {5, 0, 6, 0}}
	for _, c := range chunks {
		mt.push(t, map[string]any{
			"type":  evAudioDelta,
			"delta": base64.StdEncoding.EncodeToString(c),
		})
	}
	waitUntil(t, func() bool { return sink.frameCount() == 3 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, want := range chunks {
		if string(sink.frames[i].PCM) != string(want) {
			t.Errorf("frame %d out of order: got %v want %v", i, sink.frames[i].PCM, want)
		}
	}
}

func TestMalformedAudioDeltaIsContained(t *testing.T) {
	sink := &mockSink{}
	var errs []error
	var mu sync.Mutex
	_, mt := openTestSession(t,
		WithPlayback(sink),
		WithCallbacks(Callbacks{OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}}),
	)

	good := base64.StdEncoding.EncodeToString([]byte{1, 0})
	mt.push(t, map[string]any{"type": evAudioDelta, "delta": good})
	mt.push(t, map[string]any{"type": evAudioDelta, "delta": "!!!not-base64!!!"})
	mt.push(t, map[string]any{"type": evAudioDelta, "delta": good})

	waitUntil(t, func() bool { return sink.frameCount() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one surfaced decode error, got %d", len(errs))
	}
	var decodeErr *DecodeError
	if !errors.As(errs[0], &decodeErr) {
		t.Errorf("expected DecodeError, got %T", errs[0])
	}
	if IsFatal(errs[0]) {
		t.Error("a decode error must not be fatal to the session")
	}
}

func TestToolCallCorrelation(t *testing.T) {
	resolver := tools.ResolverFunc(func(_ context.Context, req tools.Request) (tools.Result, error) {
		return tools.Result{CallID: req.CallID, Output: "resolved:" + req.Name}, nil
	})
	_, mt := openTestSession(t, WithResolver(resolver))

	mt.push(t, map[string]any{
		"type":      evFunctionCallDone,
		"call_id":   "abc",
		"name":      "consult_manager",
		"arguments": `{"question":"discount ok?"}`,
	})

	waitUntil(t, func() bool { return len(mt.sentEvents()) >= 3 }) // update + item + response.create

	sent := mt.sentEvents()
	var outputs []functionCallOutputItem
	responseCreates := 0
	for _, ev := range sent {
		switch v := ev.(type) {
		case itemCreateEvent:
			if item, ok := v.Item.(functionCallOutputItem); ok {
				outputs = append(outputs, item)
			}
		case bareEvent:
			if v.Type == "response.create" {
				responseCreates++
			}
		}
	}
	if len(outputs) != 1 {
		t.Fatalf("expected exactly one function_call_output, got %d", len(outputs))
	}
	if outputs[0].CallID != "abc" {
		t.Errorf("output must carry the originating call_id, got %q", outputs[0].CallID)
	}
	if outputs[0].Output != "resolved:consult_manager" {
		t.Errorf("unexpected output: %q", outputs[0].Output)
	}
	if responseCreates != 1 {
		t.Errorf("tool result must be followed by one response.create, got %d", responseCreates)
	}
}

func TestConcurrentToolCallRejected(t *testing.T) {
	release := make(chan struct{})
	resolver := tools.ResolverFunc(func(_ context.Context, req tools.Request) (tools.Result, error) {
		<-release
		return tools.Result{CallID: req.CallID, Output: "done"}, nil
	})

	var errs []error
	var mu sync.Mutex
	_, mt := openTestSession(t,
		WithResolver(resolver),
		WithCallbacks(Callbacks{OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}}),
	)

	mt.push(t, map[string]any{"type": evFunctionCallDone, "call_id": "first", "name": "a"})
	mt.push(t, map[string]any{"type": evFunctionCallDone, "call_id": "second", "name": "b"})

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	})
	close(release)

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(errs[0], ErrToolCallInFlight) {
		t.Errorf("expected ErrToolCallInFlight, got %v", errs[0])
	}
}

func TestBargeInFlushesPlayback(t *testing.T) {
	sink := &mockSink{}
	_, mt := openTestSession(t, WithPlayback(sink))

	mt.push(t, map[string]any{"type": evResponseCreated})
	mt.push(t, map[string]any{
		"type":  evAudioDelta,
		"delta": base64.StdEncoding.EncodeToString([]byte{9, 0}),
	})
	waitUntil(t, func() bool { return sink.frameCount() == 1 })

	mt.push(t, map[string]any{"type": evSpeechStarted})
	waitUntil(t, func() bool { return sink.clearCount() == 1 })

	var cancels int
	for _, ev := range mt.sentEvents() {
		if b, ok := ev.(bareEvent); ok && b.Type == "response.cancel" {
			cancels++
		}
	}
	if cancels != 1 {
		t.Errorf("barge-in must cancel the in-flight response, got %d cancels", cancels)
	}
}

func TestRemoteErrorSurfacedVerbatim(t *testing.T) {
	var got error
	var mu sync.Mutex
	_, mt := openTestSession(t, WithCallbacks(Callbacks{OnError: func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}}))

	mt.push(t, map[string]any{
		"type":  evError,
		"error": map[string]any{"code": "rate_limit_exceeded", "message": "slow down"},
	})

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	var remoteErr *RemoteError
	if !errors.As(got, &remoteErr) {
		t.Fatalf("expected RemoteError, got %T", got)
	}
	if remoteErr.Code != "rate_limit_exceeded" || remoteErr.Message != "slow down" {
		t.Errorf("remote error must be surfaced verbatim, got %+v", remoteErr)
	}
}

func TestUnknownEventDiscarded(t *testing.T) {
	sink := &mockSink{}
	_, mt := openTestSession(t, WithPlayback(sink))

	mt.push(t, map[string]any{"type": "response.text.delta", "delta": "hi"})
	mt.push(t, map[string]any{
		"type":  evAudioDelta,
		"delta": base64.StdEncoding.EncodeToString([]byte{1, 0}),
	})

	// The known event after the unknown one still dispatches.
	waitUntil(t, func() bool { return sink.frameCount() == 1 })
}

func TestCloseTwiceIsNoOp(t *testing.T) {
	s, mt := openTestSession(t)

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %v", s.State())
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.closed {
		t.Error("transport must be closed")
	}
}

func TestSendTextRequiresOpenSession(t *testing.T) {
	s, err := New(WithCredentials(credentials.NewStatic("t")), WithTransport(func() AudioTransport { return newMockTransport() }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.SendText("hello"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestSendTextCreatesItemAndResponse(t *testing.T) {
	s, mt := openTestSession(t)

	if err := s.SendText("I'd like to talk pricing."); err != nil {
		t.Fatalf("send text: %v", err)
	}

	sent := mt.sentEvents()
	var item *messageItem
	for _, ev := range sent {
		if ic, ok := ev.(itemCreateEvent); ok {
			if m, ok := ic.Item.(messageItem); ok {
				item = &m
			}
		}
	}
	if item == nil {
		t.Fatal("expected a message item")
	}
	if item.Role != "user" || item.Content[0].Text != "I'd like to talk pricing." {
		t.Errorf("unexpected item: %+v", item)
	}
	last := sent[len(sent)-1]
	if b, ok := last.(bareEvent); !ok || b.Type != "response.create" {
		t.Errorf("text injection must end with response.create, got %v", last)
	}
}

func TestUpdateTurnDetection(t *testing.T) {
	s, mt := openTestSession(t)

	td := TurnDetection{Type: "server_vad", Threshold: 0.8, SilenceDurationMs: 900}
	if err := s.UpdateTurnDetection(td); err != nil {
		t.Fatalf("update: %v", err)
	}

	sent := mt.sentEvents()
	upd, ok := sent[len(sent)-1].(sessionUpdateEvent)
	if !ok {
		t.Fatalf("expected session.update, got %T", sent[len(sent)-1])
	}
	if upd.Session.TurnDetection.Threshold != 0.8 {
		t.Errorf("threshold not carried: %v", upd.Session.TurnDetection.Threshold)
	}
	if upd.Session.Voice != "" {
		t.Error("turn-detection update must not resend voice configuration")
	}
}

func TestTransportLossClosesSession(t *testing.T) {
	var got error
	var mu sync.Mutex
	s, mt := openTestSession(t, WithCallbacks(Callbacks{OnError: func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}}))

	mt.mu.Lock()
	mt.termErr = errors.New("connection reset")
	mt.closed = true
	close(mt.events)
	mt.mu.Unlock()

	waitUntil(t, func() bool { return s.State() == StateClosed })

	mu.Lock()
	defer mu.Unlock()
	var transportErr *TransportError
	if !errors.As(got, &transportErr) {
		t.Fatalf("expected TransportError, got %v", got)
	}
	if !IsFatal(got) {
		t.Error("transport loss must be fatal")
	}
}

func TestTransportFaultWithOpenEventChannel(t *testing.T) {
	// The media-path transport never closes its inbound channels; a fault
	// is visible only through Done. The session must still tear down.
	var got error
	var mu sync.Mutex
	s, mt := openTestSession(t, WithCallbacks(Callbacks{OnError: func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}}))

	mt.terminate(errors.New("peer connection failed"))

	waitUntil(t, func() bool { return s.State() == StateClosed })

	mu.Lock()
	defer mu.Unlock()
	var transportErr *TransportError
	if !errors.As(got, &transportErr) {
		t.Fatalf("expected TransportError, got %v", got)
	}
}
