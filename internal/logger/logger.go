// Package logger owns the process-wide zap logger. Until Init succeeds every
// helper hands out a no-op logger, so packages can build their loggers at
// construction time without caring about start-up order.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the sink built by Init.
type Config struct {
	Level      string
	FilePath   string
	Format     string
	Version    string
	Component  string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// Option adjusts the Config used by Init.
type Option func(*Config)

func WithLevel(lvl string) Option          { return func(c *Config) { c.Level = lvl } }
func WithFormat(format string) Option      { return func(c *Config) { c.Format = format } }
func WithFile(path string) Option          { return func(c *Config) { c.FilePath = path } }
func WithVersion(v string) Option          { return func(c *Config) { c.Version = v } }
func WithComponent(component string) Option { return func(c *Config) { c.Component = component } }

// WithRotation sets the lumberjack limits: megabytes per file, files kept and
// days kept.
func WithRotation(size, backups, age int) Option {
	return func(c *Config) { c.MaxSize, c.MaxBackups, c.MaxAge = size, backups, age }
}

// sink is the installed root logger together with the level it filters on
// and the rotating file behind it, if any.
type sink struct {
	root  *zap.Logger
	level zap.AtomicLevel
	file  io.Closer
}

var (
	mu     sync.RWMutex
	global *sink
)

// Init installs a new root logger. A second call replaces the first and
// closes the previous log file.
func Init(opts ...Option) error {
	cfg := Config{
		Level:      "info",
		Format:     "console",
		Component:  "exporter",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	enc, err := encoderFor(cfg.Format)
	if err != nil {
		return err
	}
	out, file, err := writerFor(cfg)
	if err != nil {
		return err
	}

	next := &sink{
		level: level,
		file:  file,
		root: zap.New(zapcore.NewCore(enc, out, level),
			zap.AddStacktrace(zapcore.ErrorLevel),
			zap.Fields(zap.String("version", cfg.Version), zap.String("component", cfg.Component)),
		),
	}

	mu.Lock()
	prev := global
	global = next
	mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return nil
}

// Shutdown flushes the root logger and closes its log file. Later calls to
// the helpers log nowhere until Init runs again.
func Shutdown() error {
	mu.Lock()
	prev := global
	global = nil
	mu.Unlock()

	if prev == nil {
		return fmt.Errorf("logger not initialized")
	}
	return prev.close()
}

// UpdateLevel changes the level of the running logger. Loggers already
// derived from it follow the change.
func UpdateLevel(lvl string) error {
	s := installed()
	if s == nil {
		return fmt.Errorf("logger not initialized")
	}
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	s.level.SetLevel(parsed)
	return nil
}

// Level reports the level of the running logger.
func Level() (zapcore.Level, bool) {
	s := installed()
	if s == nil {
		return zapcore.InvalidLevel, false
	}
	return s.level.Level(), true
}

func (s *sink) close() error {
	err := s.root.Sync()
	// Syncing stdout fails on terminals and pipes.
	if _, ok := err.(*os.PathError); ok {
		err = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func encoderFor(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console", "":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func writerFor(cfg Config) (zapcore.WriteSyncer, io.Closer, error) {
	if cfg.FilePath == "" {
		return zapcore.Lock(os.Stdout), nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
	return zapcore.AddSync(lj), lj, nil
}

func installed() *sink {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func root() *zap.Logger {
	if s := installed(); s != nil {
		return s.root
	}
	return zap.NewNop()
}

// New returns a child of the root logger tagged with component.
func New(component string) *zap.Logger {
	return root().With(zap.String("component", component))
}

// ForChain returns a component logger tagged with the monitored chain.
func ForChain(component, chain string) *zap.Logger {
	return New(component).With(zap.String("chain", chain))
}

type ctxKey struct{}

// WithLogger returns a copy of ctx carrying l. The transport uses it to hand
// the per-connection session logger to feed handlers.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or fallback when there is
// none. A nil fallback falls back to the root logger.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return root()
}

func Debug(msg string, fields ...zap.Field) { root().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { root().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { root().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { root().Error(msg, fields...) }
