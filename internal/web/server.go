package web

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
)

// HealthHandler serves the health probe.
type HealthHandler interface {
	HandleHealth(w http.ResponseWriter, r *http.Request)
}

// Server exposes /metrics, /health and the chain status API.
type Server struct {
	httpSrv *http.Server
	handler http.Handler
	logger  *zap.Logger
}

// NewServer builds a server listening on addr. Metrics are gathered from
// gatherer only; the global registry is never served.
func NewServer(addr, metricsPath string, gatherer prometheus.Gatherer, health HealthHandler, chains *Handler, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(logger),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc(constants.DefaultHealthPath, health.HandleHealth)
	mux.HandleFunc(constants.ChainsAPIPath, chains.HandleChainsAPI)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Invalid request path",
			zap.String("path", r.URL.Path),
			zap.String("client_ip", r.RemoteAddr))
		http.NotFound(w, r)
	})

	handler := SecurityMiddleware(APISecurityHeaders())(mux)
	handler = ValidationMiddleware(DefaultInputValidation(), logger)(handler)

	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: constants.ReadHeaderTimeout,
			WriteTimeout:      constants.WriteTimeout,
			IdleTimeout:       constants.IdleTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
		}
	})
	defer stop()

	s.logger.Info("HTTP server listening", zap.String("address", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
