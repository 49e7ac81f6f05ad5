// Package config reads process configuration from the environment at
// startup, including the canonical queue topology and governor bounds.
// Missing required variables fail fast.
package config
