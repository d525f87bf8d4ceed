package transport

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
)

// feedServer accepts one subscription per connection, replies with frames and
// hangs up.
func feedServer(t *testing.T, frames []string, subscribed chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin:      func(r *http.Request) bool { return true },
		HandshakeTimeout: 5 * time.Second,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_round_trip(t *testing.T) {
	subscribed := make(chan string, 4)
	srv := feedServer(t, []string{`[13,"Kusama"]`, `[15,0]`}, subscribed)

	cfg := DefaultWebSocketConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	conn, err := NewWebSocketDialer(cfg).Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Send(ctx, "subscribe:Kusama"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := <-subscribed; got != "subscribe:Kusama" {
		t.Fatalf("server received %q", got)
	}

	for _, want := range []string{`[13,"Kusama"]`, `[15,0]`} {
		frame, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(frame) != want {
			t.Fatalf("frame = %s, want %s", frame, want)
		}
	}

	_, err = conn.Receive(ctx)
	if !stderrors.Is(err, errors.ErrConnectionClosed) {
		t.Fatalf("Receive after close = %v, want connection closed", err)
	}
	if err := conn.Close(); err != nil {
		t.Logf("second close: %v", err)
	}
}

func TestWebSocketDialer_refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close()

	if _, err := NewWebSocketDialer(DefaultWebSocketConfig()).Dial(context.Background(), addr); err == nil {
		t.Fatalf("expected dial error against a closed server")
	}
}

func TestWebSocketDialer_handshake_status(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"wrong path", http.StatusNotFound, true},
		{"forbidden", http.StatusForbidden, true},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewWebSocketDialer(DefaultWebSocketConfig()).Dial(context.Background(), wsURL(srv))
			if err == nil {
				t.Fatalf("expected dial error")
			}
			if got := stderrors.Is(err, errors.ErrHandshakeRejected); got != tt.permanent {
				t.Fatalf("rejected = %v, want %v (err: %v)", got, tt.permanent, err)
			}
			if tt.permanent && errors.IsRecoverable(err) {
				t.Fatalf("rejected handshake reported as recoverable")
			}
		})
	}
}

func TestSocket_over_websocket(t *testing.T) {
	subscribed := make(chan string, 4)
	srv := feedServer(t, []string{`[13,"Kusama"]`}, subscribed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultWebSocketConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	s := NewSocket(SocketConfig{
		Address: wsURL(srv),
		Retry:   NewRetryPolicy(3, 10*time.Millisecond, 50*time.Millisecond),
	}, NewWebSocketDialer(cfg), WithSocketLogger(zap.NewNop()))

	h := &recordingHandler{}
	h.onOpen = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	err := s.Run(ctx, h)
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if h.opens != 2 {
		t.Fatalf("OnOpen called %d times, want 2", h.opens)
	}
	if len(h.frames) == 0 || h.frames[0] != `[13,"Kusama"]` {
		t.Fatalf("frames = %v", h.frames)
	}
	if got := <-subscribed; got != "subscribe:Kusama" {
		t.Fatalf("server received %q", got)
	}
}
