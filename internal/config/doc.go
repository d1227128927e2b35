// Package config loads the exchange daemon's YAML configuration.
//
// ${VAR} references are expanded from the environment before parsing.
// Unset fields take the values in defaults.go; Validate rejects
// inconsistent settings before anything is started.
package config
