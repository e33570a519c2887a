package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"montage/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MONTAGE_API_TOKEN", "secret-token")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	wantData := filepath.Join(tempHome, ".local", "share", "montage")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "montage.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if cfg.Paths.APIToken != "secret-token" {
		t.Fatalf("expected api token from env, got %q", cfg.Paths.APIToken)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	initial, maxBackoff := cfg.RetryBackoff()
	if initial != time.Second || maxBackoff != 4*time.Second {
		t.Fatalf("unexpected retry backoff: %s/%s", initial, maxBackoff)
	}
}

func TestLoadParsesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "montage.toml")

	cfg := config.Default()
	cfg.Workflow.MaxConcurrency = 9
	cfg.Approval.MaxRejections = 5
	cfg.Logging.StageOverrides = map[string]string{" Voice ": "DEBUG"}
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected file %q to be used, got %q exists=%v", path, resolved, exists)
	}
	if loaded.Workflow.MaxConcurrency != 9 {
		t.Fatalf("expected concurrency 9, got %d", loaded.Workflow.MaxConcurrency)
	}
	if loaded.Approval.MaxRejections != 5 {
		t.Fatalf("expected max rejections 5, got %d", loaded.Approval.MaxRejections)
	}
	if got := loaded.Logging.StageOverrides["voice"]; got != "debug" {
		t.Fatalf("expected normalized stage override, got %q", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "montage.toml")
	if err := os.WriteFile(path, []byte("[workflow]\nbogus = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"concurrency", func(c *config.Config) { c.Workflow.MaxConcurrency = 0 }, "max_concurrency"},
		{"heartbeat", func(c *config.Config) { c.Workflow.HeartbeatTimeout = 1 }, "heartbeat_timeout"},
		{"attempts", func(c *config.Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"backoff", func(c *config.Config) { c.Retry.MaxBackoffMS = 10 }, "max_backoff_ms"},
		{"rejections", func(c *config.Config) { c.Approval.MaxRejections = 0 }, "max_rejections"},
		{"format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"override", func(c *config.Config) { c.Logging.StageOverrides = map[string]string{"voice": "loud"} }, "stage_overrides"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample to load, exists=%v err=%v", exists, err)
	}
}
