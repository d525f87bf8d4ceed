// Package transport connects dispatchers to the telemetry feed.
//
// A Transport owns the connection lifecycle (dial, reconnect, backoff) and
// drives a Handler through it: OnOpen on every established connection,
// OnMessage for each received frame in arrival order, OnClose when the
// connection ends.
package transport

import "context"

// Sender writes text control messages on the current connection.
type Sender interface {
	Send(ctx context.Context, msg string) error
}

// Handler receives connection lifecycle callbacks. OnMessage is never called
// concurrently for one Transport.
type Handler interface {
	OnOpen(ctx context.Context, s Sender) error
	OnMessage(ctx context.Context, frame []byte)
	OnClose(err error)
}

// Transport runs a Handler until ctx is cancelled or the transport gives up.
type Transport interface {
	Run(ctx context.Context, h Handler) error
}

// Conn is a single established connection.
type Conn interface {
	Send(ctx context.Context, msg string) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}
