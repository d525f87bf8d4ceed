package config

import "time"

// TelemetryConfig holds the feed connection settings.
type TelemetryConfig struct {
	Host              string        `mapstructure:"HOST"               json:"host"               validate:"required,wsurl"`
	ConnectionTimeout time.Duration `mapstructure:"CONNECTION_TIMEOUT" json:"connection_timeout" validate:"required,timeout_duration"`
	MaxRetries        int           `mapstructure:"MAX_RETRIES"        json:"max_retries"        validate:"min=0,max=1000"`
	RetryBaseDelay    time.Duration `mapstructure:"RETRY_BASE_DELAY"   json:"retry_base_delay"   validate:"required,min=1ms"`
	RetryMaxDelay     time.Duration `mapstructure:"RETRY_MAX_DELAY"    json:"retry_max_delay"    validate:"required,reasonable_duration"`
	ReadTimeout       time.Duration `mapstructure:"READ_TIMEOUT"       json:"read_timeout"       validate:"required,timeout_duration"`
	WriteTimeout      time.Duration `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	PingInterval      time.Duration `mapstructure:"PING_INTERVAL"      json:"ping_interval"      validate:"required,timeout_duration"`
	ReadLimit         int64         `mapstructure:"READ_LIMIT"         json:"read_limit"         validate:"required,min=1024"`
	SendRate          float64       `mapstructure:"SEND_RATE"          json:"send_rate"          validate:"gt=0"`
	SendBurst         int           `mapstructure:"SEND_BURST"         json:"send_burst"         validate:"required,min=1,max=1000"`
	RestartDelay      time.Duration `mapstructure:"RESTART_DELAY"      json:"restart_delay"      validate:"min=0"`
}
