// Package config handles configuration loading, parsing, and validation
// from defaults, an optional YAML file, and TASKTREE_ environment variables.
// It provides type-safe access to the settings the engine's components need
// while keeping configuration details separate from the engine itself.
package config
