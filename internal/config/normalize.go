package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeGenerator()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.PipelinesDir, err = expandPath(strings.TrimSpace(c.Paths.PipelinesDir)); err != nil {
		return fmt.Errorf("paths.pipelines_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("MONTAGE_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeGenerator() {
	c.Generator.Endpoint = strings.TrimRight(strings.TrimSpace(c.Generator.Endpoint), "/")
	if c.Generator.APIKey == "" {
		if value, ok := os.LookupEnv("MONTAGE_GENERATOR_API_KEY"); ok {
			c.Generator.APIKey = strings.TrimSpace(value)
		}
	}
	if c.Generator.RequestTimeout <= 0 {
		c.Generator.RequestTimeout = defaultGeneratorTimeout
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Notifications.WebhookURL = strings.TrimSpace(c.Notifications.WebhookURL)
	c.Notifications.RedisURL = strings.TrimSpace(c.Notifications.RedisURL)
	if c.Notifications.WebhookSecret == "" {
		if value, ok := os.LookupEnv("MONTAGE_WEBHOOK_SECRET"); ok {
			c.Notifications.WebhookSecret = value
		}
	}
	if strings.TrimSpace(c.Notifications.RedisStream) == "" {
		c.Notifications.RedisStream = defaultRedisStream
	}
	if c.Notifications.MaxAttempts <= 0 {
		c.Notifications.MaxAttempts = defaultNotifyMaxAttempts
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if len(c.Logging.StageOverrides) == 0 {
		return
	}
	normalized := make(map[string]string, len(c.Logging.StageOverrides))
	for stage, level := range c.Logging.StageOverrides {
		key := strings.ToLower(strings.TrimSpace(stage))
		if key == "" {
			continue
		}
		normalized[key] = strings.ToLower(strings.TrimSpace(level))
	}
	c.Logging.StageOverrides = normalized
}
