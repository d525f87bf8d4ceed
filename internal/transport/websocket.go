package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
)

// WebSocketConfig tunes gorilla/websocket connections.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
}

// DefaultWebSocketConfig returns the settings used when none are configured.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 1 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		ReadLimit:        16 << 20,
	}
}

// WebSocketDialer opens feed connections over WebSocket.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer with the given settings.
func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && permanentStatus(resp.StatusCode) {
			return nil, errors.HandshakeRejected(address, resp.StatusCode, err)
		}
		return nil, err
	}

	if d.cfg.ReadLimit > 0 {
		ws.SetReadLimit(d.cfg.ReadLimit)
	}
	c := &wsConn{ws: ws, cfg: d.cfg, done: make(chan struct{})}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if d.cfg.PingInterval > 0 {
		go c.keepalive()
	}
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	cfg       WebSocketConfig
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) extendReadDeadline() {
	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) // nolint:errcheck // deadline is non-critical
	}
}

func (c *wsConn) writeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

// Send writes a text message.
func (c *wsConn) Send(ctx context.Context, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(c.writeDeadline(ctx)) // nolint:errcheck // deadline is non-critical
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return errors.ConnectionClosed(err)
	}
	return nil
}

// Receive blocks until the next data frame. Control frames are handled by
// gorilla and never returned.
func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.ConnectionClosed(err)
		}
		c.extendReadDeadline()
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and tears the connection down. It is safe to
// call more than once and concurrently with Receive.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// permanentStatus reports whether a failed upgrade answered with a client
// error that will repeat on every attempt.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
