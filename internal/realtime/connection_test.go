package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// dialTestConnection upgrades a real websocket pair against an httptest
// server whose handler just drains the socket.
func dialTestConnection(t *testing.T) *Connection {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return NewConnection("usr_a", ws)
}

func TestDeliverAfterCloseReturnsErrorWithoutPanic(t *testing.T) {
	conn := dialTestConnection(t)
	conn.Start()
	conn.Close("session replaced")

	for i := 0; i < 50; i++ {
		if err := conn.Deliver([]byte(`{"type":"message_received"}`)); err == nil {
			t.Fatalf("iteration %d: expected error delivering to closed connection", i)
		}
	}
}

func TestConcurrentDeliverAndCloseDoNotPanic(t *testing.T) {
	conn := dialTestConnection(t)
	conn.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = conn.Deliver([]byte("payload"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.Close("shutting down")
	}()
	wg.Wait()

	if err := conn.Deliver([]byte("late")); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestSlowClientBufferOverflowClosesConnection(t *testing.T) {
	// The write loop is deliberately not started, so the buffer fills.
	conn := dialTestConnection(t)

	overflowed := false
	for i := 0; i < cap(conn.send)+1; i++ {
		if err := conn.Deliver([]byte("backlog")); err != nil {
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatalf("expected buffer overflow to surface an error")
	}

	// The overflow closed the connection; later deliveries must fail
	// cleanly rather than panic.
	for i := 0; i < 50; i++ {
		if err := conn.Deliver([]byte("after overflow")); err == nil {
			t.Fatalf("iteration %d: expected error after overflow close", i)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := dialTestConnection(t)
	conn.Start()
	conn.Close("first")
	conn.Close("second")
}
