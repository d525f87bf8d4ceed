package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	sent   []string
	closed bool
}

func (c *fakeConn) Send(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// scriptedDialer hands out conns in order; nil entries fail the dial.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *scriptedDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, fmt.Errorf("connection refused")
	}
	return c, nil
}

type recordingHandler struct {
	opens   int
	frames  []string
	closes  []error
	openErr error
	onOpen  func(n int)
}

func (h *recordingHandler) OnOpen(ctx context.Context, s Sender) error {
	h.opens++
	if h.onOpen != nil {
		h.onOpen(h.opens)
	}
	if h.openErr != nil {
		return h.openErr
	}
	return s.Send(ctx, "subscribe:Kusama")
}

func (h *recordingHandler) OnMessage(_ context.Context, frame []byte) {
	h.frames = append(h.frames, string(frame))
}

func (h *recordingHandler) OnClose(err error) {
	h.closes = append(h.closes, err)
}

func newTestSocket(d Dialer, retries int, delays *[]time.Duration) *Socket {
	s := NewSocket(SocketConfig{
		Address: "ws://feed.test/feed",
		Retry:   NewRetryPolicy(retries, time.Second, 8*time.Second),
	}, d, WithSocketLogger(zap.NewNop()))
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return ctx.Err()
	}
	return s
}

func TestSocket_reconnects_and_reopens(t *testing.T) {
	first := &fakeConn{frames: [][]byte{[]byte(`[13,"Kusama"]`), []byte(`[15,0]`)}}
	second := &fakeConn{frames: [][]byte{[]byte(`[4,7]`)}}
	dialer := &scriptedDialer{conns: []*fakeConn{first, nil, second, {}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &recordingHandler{}
	h.onOpen = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	var delays []time.Duration
	s := newTestSocket(dialer, 5, &delays)

	err := s.Run(ctx, h)
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if h.opens != 3 {
		t.Fatalf("OnOpen called %d times, want 3", h.opens)
	}
	want := []string{`[13,"Kusama"]`, `[15,0]`, `[4,7]`}
	if len(h.frames) != len(want) {
		t.Fatalf("frames = %v, want %v", h.frames, want)
	}
	for i := range want {
		if h.frames[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, h.frames[i], want[i])
		}
	}
	if len(first.sent) != 1 || first.sent[0] != "subscribe:Kusama" {
		t.Fatalf("subscribe not sent on open: %v", first.sent)
	}
	if !first.closed || !second.closed {
		t.Fatalf("dropped connections must be closed")
	}
	if len(h.closes) < 2 || !stderrors.Is(h.closes[0], io.EOF) {
		t.Fatalf("unexpected close errors: %v", h.closes)
	}
	// drop -> base delay, failed dial -> first backoff step, drop -> base delay
	wantDelays := []time.Duration{time.Second, time.Second, time.Second}
	if len(delays) != len(wantDelays) {
		t.Fatalf("delays = %v, want %v", delays, wantDelays)
	}
}

func TestSocket_gives_up_after_max_retries(t *testing.T) {
	dialer := &scriptedDialer{}
	var delays []time.Duration
	s := newTestSocket(dialer, 4, &delays)

	err := s.Run(context.Background(), &recordingHandler{})
	if !stderrors.Is(err, errors.ErrConnectionFailure) {
		t.Fatalf("Run = %v, want connection failure", err)
	}
	if dialer.dials != 4 {
		t.Fatalf("dialed %d times, want 4", dialer.dials)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestSocket_rejected_open_counts_as_failure(t *testing.T) {
	dialer := &scriptedDialer{conns: []*fakeConn{{}, {}}}
	h := &recordingHandler{openErr: fmt.Errorf("subscribe refused")}
	s := newTestSocket(dialer, 2, nil)

	err := s.Run(context.Background(), h)
	if !stderrors.Is(err, errors.ErrConnectionFailure) {
		t.Fatalf("Run = %v, want connection failure", err)
	}
	if h.opens != 2 || len(h.closes) != 2 {
		t.Fatalf("opens=%d closes=%d, want 2 and 2", h.opens, len(h.closes))
	}
}

// sessionHandler logs every frame through the logger found in its context.
type sessionHandler struct{ recordingHandler }

func (h *sessionHandler) OnMessage(ctx context.Context, frame []byte) {
	logger.FromContext(ctx, nil).Info("frame handled", zap.ByteString("frame", frame))
}

func TestSocket_hands_session_logger_to_handler(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	dialer := &scriptedDialer{conns: []*fakeConn{
		{frames: [][]byte{[]byte(`[13,"Kusama"]`)}},
		{frames: [][]byte{[]byte(`[15,0]`)}},
	}}
	s := NewSocket(SocketConfig{
		Address: "ws://feed.test/feed",
		Retry:   NewRetryPolicy(1, time.Millisecond, time.Millisecond),
	}, dialer, WithSocketLogger(zap.New(core)))
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	_ = s.Run(context.Background(), &sessionHandler{})

	connected := logs.FilterMessage("Connected to telemetry feed").All()
	handled := logs.FilterMessage("frame handled").All()
	if len(connected) != 2 || len(handled) != 2 {
		t.Fatalf("connected=%d handled=%d, want 2 and 2", len(connected), len(handled))
	}
	for i := range handled {
		want := connected[i].ContextMap()["session_id"]
		if got := handled[i].ContextMap()["session_id"]; got == nil || got != want {
			t.Fatalf("frame %d logged with session %v, want %v", i, got, want)
		}
	}
	if connected[0].ContextMap()["session_id"] == connected[1].ContextMap()["session_id"] {
		t.Fatalf("both connections share a session id")
	}
}

func TestSocket_stops_on_unrecoverable_dial_error(t *testing.T) {
	rejected := errors.HandshakeRejected("ws://feed.test/feed", 404, fmt.Errorf("bad handshake"))
	dialer := &failingDialer{err: rejected}
	var delays []time.Duration
	s := newTestSocket(dialer, 0, &delays)

	err := s.Run(context.Background(), &recordingHandler{})
	if !stderrors.Is(err, errors.ErrHandshakeRejected) {
		t.Fatalf("Run = %v, want handshake rejection", err)
	}
	if dialer.dials != 1 || len(delays) != 0 {
		t.Fatalf("dials=%d delays=%v, want a single attempt", dialer.dials, delays)
	}
}

type failingDialer struct {
	err   error
	dials int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.dials++
	return nil, d.err
}

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	p := NewRetryPolicy(10, 500*time.Millisecond, 5*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{100, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := p.CalculateDelay(tc.attempt); got != tc.want {
			t.Fatalf("CalculateDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	if p.Exhausted(9) || !p.Exhausted(10) {
		t.Fatalf("Exhausted boundary wrong")
	}
	if NewRetryPolicy(0, time.Second, time.Second).Exhausted(1000) {
		t.Fatalf("zero retries must retry forever")
	}
}
