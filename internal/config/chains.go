package config

import "time"

// NodesConfig holds settings shared by every chain's node registry.
type NodesConfig struct {
	// InactiveNodeTime is in seconds.
	InactiveNodeTime int `mapstructure:"INACTIVE_NODE_TIME" json:"inactive_node_time" validate:"required,min=1,max=86400"`
}

// InactiveNodeDuration returns the liveness threshold as a duration.
func (n NodesConfig) InactiveNodeDuration() time.Duration {
	return time.Duration(n.InactiveNodeTime) * time.Second
}

// ChainConfig describes one chain to subscribe to and how to classify its
// nodes.
type ChainConfig struct {
	Name               string `mapstructure:"NAME"                 json:"name"                 validate:"required,min=1,max=64"`
	ActiveNodePattern  string `mapstructure:"ACTIVE_NODE_PATTERN"  json:"active_node_pattern"  validate:"required"`
	PassiveNodePattern string `mapstructure:"PASSIVE_NODE_PATTERN" json:"passive_node_pattern" validate:"required"`
}
