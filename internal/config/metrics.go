package config

// MetricsConfig holds metrics configuration settings.
type MetricsConfig struct {
	Enabled           bool   `mapstructure:"ENABLED"            json:"enabled"`
	Port              int    `mapstructure:"PORT"               json:"port"               validate:"required,min=1024,max=65535"`
	Path              string `mapstructure:"PATH"               json:"path"               validate:"required,startswith=/"`
	RuntimeCollectors bool   `mapstructure:"RUNTIME_COLLECTORS" json:"runtime_collectors"`
}
