// Package config loads, normalizes, and validates Montage configuration.
//
// Configuration lives in TOML (default ~/.config/montage/config.toml, falling
// back to ./montage.toml). Load applies repository defaults, expands paths,
// pulls secrets from environment variables, and validates the result so the
// daemon and CLI share one view of retry, approval, batch, and notification
// policy.
package config
