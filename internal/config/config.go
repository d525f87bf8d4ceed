package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/metrics"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// Config holds every sub‑config.
type Config struct {
	Telemetry TelemetryConfig `mapstructure:"telemetry" validate:"required"`
	Nodes     NodesConfig     `mapstructure:"nodes"     validate:"required"`
	Chains    []ChainConfig   `mapstructure:"chains"    validate:"required,min=1,unique=Name,dive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   validate:"required"`
	Logging   LoggingConfig   `mapstructure:"logging"   validate:"required"`
}

// ChainNames returns the configured chain names in order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for _, ch := range c.Chains {
		names = append(names, ch.Name)
	}
	return names
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Validate the feed address is a ws:// or wss:// URL with a host
	if err := validate.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
	}); err != nil {
		logger.Error("Failed to register wsurl validator", zap.Error(err))
	}

	// Validate duration is reasonable (not too short or too long)
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 24 hours
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Validate timeout duration (shorter range)
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 1 hour
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	// Validate log level
	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	// Validate log format
	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Telemetry.RetryBaseDelay > cfg.Telemetry.RetryMaxDelay {
		sl.ReportError(cfg.Telemetry.RetryBaseDelay, "RetryBaseDelay", "RetryBaseDelay", "retry_delay_order", "")
	}

	// Pings refresh the read deadline, so they must arrive before it expires
	if cfg.Telemetry.PingInterval >= cfg.Telemetry.ReadTimeout {
		sl.ReportError(cfg.Telemetry.PingInterval, "PingInterval", "PingInterval", "ping_interval_too_long", "")
	}

	// Chains become metric name prefixes; names that differ only in case or
	// punctuation would collide
	seen := make(map[string]string, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		key := metrics.MetricPrefix(ch.Name)
		if other, ok := seen[key]; ok && other != ch.Name {
			sl.ReportError(ch.Name, "Name", "Name", "chain_name_collision", other)
		}
		seen[key] = ch.Name
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EXPORTER") // EXPORTER_TELEMETRY_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, errors.CodeConfiguration, "Unable to decode configuration").
			WithSeverity(errors.SeverityCritical)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.String("telemetry_host", cfg.Telemetry.Host),
			zap.Strings("chains", cfg.ChainNames()),
		)
	}
	return &cfg, nil
}

// Validate checks cfg, for instance after command line overrides.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// InitLogger initializes the logger using the LoggingConfig
func InitLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("exporter"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ConfigurationError("config", err.Error())
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, getFieldErrorMessage(fieldError))
	}
	return errors.ConfigurationError(validationErrors[0].Namespace(),
		"validation failed:\n  - "+strings.Join(messages, "\n  - "))
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "startswith":
		return fmt.Sprintf("%s must start with %q (got: %v)", field, param, value)
	case "unique":
		return fmt.Sprintf("%s must not contain two entries with the same %s", field, param)
	case "wsurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "retry_delay_order":
		return fmt.Sprintf("%s must not exceed the retry max delay", field)
	case "ping_interval_too_long":
		return fmt.Sprintf("%s must be shorter than the read timeout", field)
	case "chain_name_collision":
		return fmt.Sprintf("chain %v collides with chain %s once turned into a metric name", value, param)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
