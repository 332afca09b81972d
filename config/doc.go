// Package config loads client settings from a YAML or JSON file with
// BURROW_* environment overrides.
package config
