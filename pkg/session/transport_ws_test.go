package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer upgrades every request and hands the connection to fn.
func wsTestServer(t *testing.T, fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

func TestFramedTransportDeliversInboundEvents(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		// Keep the connection up until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := NewFramedDataTransport("test-model", nil, WithFramedURL(wsURL(srv)))
	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	select {
	case raw := <-tr.Events():
		if string(raw) != `{"type":"session.created"}` {
			t.Errorf("unexpected inbound event: %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event never arrived")
	}
}

func TestFramedCloseUnblocksWedgedWrite(t *testing.T) {
	// The peer stops reading entirely. Once the kernel buffers fill,
	// writes block; Close must still return promptly rather than wait
	// behind the stuck writer.
	connected := make(chan struct{})
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		close(connected)
		time.Sleep(10 * time.Second)
		conn.Close()
	})

	tr := NewFramedDataTransport("test-model", nil, WithFramedURL(wsURL(srv)))
	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connected

	var writeFailed atomic.Bool
	go func() {
		payload := strings.Repeat("x", 1<<20)
		for {
			if err := tr.SendEvent(map[string]string{"type": "noise", "data": payload}); err != nil {
				writeFailed.Store(true)
				return
			}
		}
	}()

	// Give the writer time to saturate the socket buffers and block.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("close took %v behind a wedged write", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !writeFailed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("blocked write never failed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFramedCloseBeforeConnect(t *testing.T) {
	tr := NewFramedDataTransport("test-model", nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-tr.Events(); ok {
		t.Error("events must be closed when the transport never connected")
	}
	select {
	case <-tr.Done():
	default:
		t.Error("done must be signalled after close")
	}
	if err := tr.SendEvent(bareEvent{Type: "noop"}); err != ErrNotOpen {
		t.Errorf("send on closed transport: got %v, want ErrNotOpen", err)
	}
}
