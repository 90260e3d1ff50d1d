// Package config loads the monitor configuration from a JSON file with
// WSWATCH_* environment overrides.
package config
