package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	LogDir       string `toml:"log_dir"`
	PipelinesDir string `toml:"pipelines_dir"`
	APIBind      string `toml:"api_bind"`
	APIToken     string `toml:"api_token"`
}

// Workflow contains configuration for scheduler timing and capacity.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	MaxConcurrency     int `toml:"max_concurrency"`
	ResultPollInterval int `toml:"result_poll_interval"`
	CancelAckTimeout   int `toml:"cancel_ack_timeout"`
}

// Retry controls stage-level retries of transient generator failures.
type Retry struct {
	MaxAttempts      int `toml:"max_attempts"`
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`
}

// Approval controls review gate policy.
type Approval struct {
	MaxRejections int `toml:"max_rejections"`
}

// Batch controls item-level retry policy for batches.
type Batch struct {
	MaxItemRetries int `toml:"max_item_retries"`
	RetryBackoffMS int `toml:"retry_backoff_ms"`
}

// Generator contains connection settings for the external generation service.
type Generator struct {
	Endpoint       string `toml:"endpoint"`
	APIKey         string `toml:"api_key"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Notifications contains configuration for terminal-transition delivery sinks.
type Notifications struct {
	NtfyTopic       string `toml:"ntfy_topic"`
	WebhookURL      string `toml:"webhook_url"`
	WebhookSecret   string `toml:"webhook_secret"`
	RedisURL        string `toml:"redis_url"`
	RedisStream     string `toml:"redis_stream"`
	RequestTimeout  int    `toml:"request_timeout"`
	DeliverInterval int    `toml:"deliver_interval"`
	MaxAttempts     int    `toml:"max_attempts"`
	Jobs            bool   `toml:"jobs"`
	Batches         bool   `toml:"batches"`
	Approvals       bool   `toml:"approvals"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Retention controls purging of terminal jobs.
type Retention struct {
	JobRetentionDays int `toml:"job_retention_days"`
}

// Config encapsulates all configuration values for Montage.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories, pipeline definitions, API bind address
//   - Workflow: scheduler polling, heartbeats, concurrency
//   - Retry: stage retry attempts and backoff
//   - Approval: rejection limit per stage
//   - Batch: item retry limit and backoff
//   - Generator: generation service endpoint
//   - Notifications: ntfy, webhook, and redis stream sinks
//   - Logging: log format, level, and per-stage overrides
//   - Retention: terminal job purge window
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workflow      Workflow      `toml:"workflow"`
	Retry         Retry         `toml:"retry"`
	Approval      Approval      `toml:"approval"`
	Batch         Batch         `toml:"batch"`
	Generator     Generator     `toml:"generator"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Retention     Retention     `toml:"retention"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("montage.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "montage.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "montaged.lock")
}

// PollInterval returns the scheduler tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.QueuePollInterval) * time.Second
}

// HeartbeatInterval returns how often running jobs refresh their heartbeat.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout returns the age after which a running job is considered stalled.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workflow.HeartbeatTimeout) * time.Second
}

// ResultPollInterval returns how often parked asynchronous calls are polled.
func (c *Config) ResultPollInterval() time.Duration {
	return time.Duration(c.Workflow.ResultPollInterval) * time.Second
}

// CancelAckTimeout bounds how long cancellation waits for the generator to acknowledge an abort.
func (c *Config) CancelAckTimeout() time.Duration {
	return time.Duration(c.Workflow.CancelAckTimeout) * time.Second
}

// RetryBackoff returns the initial and maximum stage retry backoff.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Retry.InitialBackoffMS) * time.Millisecond,
		time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond
}

// BatchRetryBackoff returns the initial backoff applied to batch item retries.
func (c *Config) BatchRetryBackoff() time.Duration {
	return time.Duration(c.Batch.RetryBackoffMS) * time.Millisecond
}

// JobRetention returns the age after which terminal jobs may be purged. Zero disables purging.
func (c *Config) JobRetention() time.Duration {
	if c.Retention.JobRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Retention.JobRetentionDays) * 24 * time.Hour
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
