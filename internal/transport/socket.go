package transport

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
)

// SocketConfig configures a reconnecting Socket.
type SocketConfig struct {
	Address   string
	Retry     RetryPolicy
	SendRate  rate.Limit
	SendBurst int
}

// SocketOption customizes a Socket.
type SocketOption func(*Socket)

// WithSocketLogger overrides the socket logger.
func WithSocketLogger(l *zap.Logger) SocketOption {
	return func(s *Socket) { s.logger = l }
}

// Socket is a reconnecting Transport. After a dial failure it waits
// RetryPolicy.CalculateDelay(failures-1) and tries again, giving up with a
// connection failure once the policy is exhausted. A connection that opened
// successfully resets the failure count. Dial errors that are not
// recoverable, such as a rejected handshake, end Run at once.
type Socket struct {
	cfg     SocketConfig
	dialer  Dialer
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSocket creates a Socket dialing cfg.Address through dialer.
func NewSocket(cfg SocketConfig, dialer Dialer, opts ...SocketOption) *Socket {
	if cfg.SendRate <= 0 {
		cfg.SendRate = rate.Inf
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	s := &Socket{
		cfg:     cfg,
		dialer:  dialer,
		limiter: rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		sleep:   sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.New("transport")
	}
	return s
}

// Run implements Transport.
func (s *Socket) Run(ctx context.Context, h Handler) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.dialer.Dial(ctx, s.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if appErr, ok := errors.As(err); ok && !errors.IsRecoverable(appErr) {
				s.logger.Error("Telemetry dial failed permanently",
					zap.String("address", s.cfg.Address),
					zap.Error(err))
				return appErr
			}
			failures++
			if s.cfg.Retry.Exhausted(failures) {
				return errors.ConnectionFailure(s.cfg.Address, failures, err)
			}
			delay := s.cfg.Retry.CalculateDelay(failures - 1)
			s.logger.Warn("Telemetry dial failed, retrying",
				zap.String("address", s.cfg.Address),
				zap.Int("attempt", failures),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		err = s.serve(ctx, conn, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			if s.cfg.Retry.Exhausted(failures) {
				return errors.ConnectionFailure(s.cfg.Address, failures, err)
			}
		} else {
			failures = 0
		}

		if err := s.sleep(ctx, s.cfg.Retry.CalculateDelay(failures)); err != nil {
			return err
		}
	}
}

// serve drives one connection until it drops. It returns an error only when
// the handler refused the connection in OnOpen. Handlers find the session
// logger in the context they are given.
func (s *Socket) serve(ctx context.Context, conn Conn, h Handler) error {
	session := uuid.NewString()
	log := s.logger.With(zap.String("session_id", session), zap.String("address", s.cfg.Address))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	log.Info("Connected to telemetry feed")
	if err := h.OnOpen(ctx, &limitedSender{conn: conn, limiter: s.limiter}); err != nil {
		_ = conn.Close()
		h.OnClose(err)
		log.Warn("Connection rejected by handler", zap.Error(err))
		return err
	}

	var readErr error
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			readErr = err
			break
		}
		h.OnMessage(ctx, frame)
	}

	_ = conn.Close()
	if ctx.Err() != nil && stderrors.Is(readErr, ctx.Err()) {
		readErr = nil
	}
	h.OnClose(readErr)
	log.Info("Disconnected from telemetry feed", zap.Error(readErr))
	return nil
}

type limitedSender struct {
	conn    Conn
	limiter *rate.Limiter
}

func (l *limitedSender) Send(ctx context.Context, msg string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.conn.Send(ctx, msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
