package testsupport

import (
	"path/filepath"
	"testing"

	"montage/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and short timings so scheduler tests run quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.PipelinesDir = filepath.Join(base, "pipelines")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Retry.InitialBackoffMS = 0
	cfg.Retry.MaxBackoffMS = 0
	cfg.Batch.RetryBackoffMS = 0

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxConcurrency sets the scheduler slot count.
func WithMaxConcurrency(n int) ConfigOption {
	return func(c *config.Config) { c.Workflow.MaxConcurrency = n }
}

// WithMaxAttempts sets the per-stage retry budget.
func WithMaxAttempts(n int) ConfigOption {
	return func(c *config.Config) { c.Retry.MaxAttempts = n }
}

// WithMaxRejections sets the approval rejection limit.
func WithMaxRejections(n int) ConfigOption {
	return func(c *config.Config) { c.Approval.MaxRejections = n }
}

// WithMaxItemRetries sets the batch item retry limit.
func WithMaxItemRetries(n int) ConfigOption {
	return func(c *config.Config) { c.Batch.MaxItemRetries = n }
}
