package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradecraft-ai/voicelab/pkg/audio"
)

// FramedDataTransport carries both control events and audio over a single
// WebSocket. Outbound audio is framed as size-bounded base64 PCM16 chunks
// inside input_audio_buffer.append events; inbound audio arrives as
// response.audio.delta events and is handled by the dispatcher.
type FramedDataTransport struct {
	url         string
	model       string
	readTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	err    error

	// writeMu serializes data writes; the connection allows one
	// concurrent writer. It is never held together with mu.
	writeMu sync.Mutex

	events   chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// FramedOption configures a FramedDataTransport.
type FramedOption func(*FramedDataTransport)

// WithFramedURL overrides the WebSocket endpoint.
func WithFramedURL(url string) FramedOption {
	return func(t *FramedDataTransport) { t.url = url }
}

// WithFramedReadTimeout sets the inbound idle limit.
func WithFramedReadTimeout(d time.Duration) FramedOption {
	return func(t *FramedDataTransport) { t.readTimeout = d }
}

// NewFramedDataTransport creates a WebSocket transport for the given model.
func NewFramedDataTransport(model string, logger *slog.Logger, opts ...FramedOption) *FramedDataTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &FramedDataTransport{
		url:         DefaultRealtimeWSURL,
		model:       model,
		readTimeout: DefaultReadTimeout,
		logger:      logger.With("component", "session.transport", "strategy", "framed"),
		events:      make(chan []byte, 64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements AudioTransport.
func (t *FramedDataTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	t.mu.Unlock()

	url := fmt.Sprintf("%s?model=%s", t.url, t.model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeWindow}

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &NegotiationError{Cause: err, Status: status}
	}

	// WriteControl is safe concurrently with data writes, so no lock is
	// held across the pong.
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	t.mu.Lock()
	if t.closed {
		// Close raced with Connect; do not leak the connection.
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop()
	go t.keepAlive()

	t.logger.Info("event channel open", "url", t.url)
	return nil
}

// frameWriteTimeout bounds a single outbound write. A peer that stops
// reading fails the write instead of wedging every sender.
const frameWriteTimeout = 10 * time.Second

// SendEvent implements AudioTransport. The write happens outside t.mu so
// a stalled peer can never hold up Close.
func (t *FramedDataTransport) SendEvent(ev any) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		return &TransportError{Kind: FaultNetwork, Cause: err}
	}
	return nil
}

// SendAudio implements AudioTransport. Each PCM buffer is split into
// size-bounded base64 chunks so no single event-channel message blows up.
func (t *FramedDataTransport) SendAudio(pcm []byte) error {
	for _, chunk := range audio.EncodeWireChunks(pcm) {
		if err := t.SendEvent(audioAppendEvent{
			Type:  "input_audio_buffer.append",
			Audio: chunk,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Events implements AudioTransport.
func (t *FramedDataTransport) Events() <-chan []byte {
	return t.events
}

// AudioIn implements AudioTransport. Framed transports deliver inbound
// audio through Events, not a media path.
func (t *FramedDataTransport) AudioIn() <-chan audio.Frame {
	return nil
}

// Native implements AudioTransport.
func (t *FramedDataTransport) Native() bool {
	return false
}

// Done implements AudioTransport.
func (t *FramedDataTransport) Done() <-chan struct{} {
	return t.done
}

// Err implements AudioTransport.
func (t *FramedDataTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close implements AudioTransport. Idempotent.
func (t *FramedDataTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.signalDone()
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		conn.Close()
	} else {
		// Connect never completed; the read loop never ran, so the
		// events channel is still ours to close.
		close(t.events)
	}
	return nil
}

// signalDone marks the transport terminated exactly once. Both Close and a
// read-loop exit reach it.
func (t *FramedDataTransport) signalDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// readLoop is the single reader of the WebSocket. It pushes raw JSON
// messages to the events channel and records the terminal error.
func (t *FramedDataTransport) readLoop() {
	defer close(t.events)
	defer t.signalDone()

	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()

		if conn == nil || closed {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Info("event channel closed by remote")
				} else {
					t.err = &TransportError{Kind: FaultNetwork, Cause: err}
				}
			}
			t.mu.Unlock()
			return
		}

		select {
		case t.events <- data:
		case <-t.done:
			return
		}
	}
}

// keepAlive pings periodically so intermediaries don't drop the idle
// connection between turns.
func (t *FramedDataTransport) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			closed := t.closed
			t.mu.Unlock()

			if conn == nil || closed {
				return
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Ensure FramedDataTransport implements AudioTransport.
var _ AudioTransport = (*FramedDataTransport)(nil)
