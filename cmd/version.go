package main

import (
	"fmt"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
)

// GetVersion returns the current version information
func GetVersion() string {
	return version
}

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s", version, commit, date)
}

// GetVersionWithPrefix returns the version prefixed with the program name.
func GetVersionWithPrefix() string {
	return fmt.Sprintf("%s version: %s", constants.ExporterName, version)
}
