// Package config defines the compass configuration model and its YAML loader.
//
// Configuration is read from a single config.yaml file, merged over built-in
// defaults, and finally overridden by COMPASS_* environment variables. Every
// tunable documented in the configuration reference maps to exactly one field
// here; defaults live in defaults.go so they can be asserted in tests.
package config
