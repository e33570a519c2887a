package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateApproval(); err != nil {
		return err
	}
	if err := c.validateBatch(); err != nil {
		return err
	}
	if err := c.validateGenerator(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.MaxConcurrency <= 0 {
		return errors.New("workflow.max_concurrency must be positive")
	}
	if c.Workflow.ResultPollInterval <= 0 {
		return errors.New("workflow.result_poll_interval must be positive")
	}
	if c.Workflow.CancelAckTimeout <= 0 {
		return errors.New("workflow.cancel_ack_timeout must be positive")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.InitialBackoffMS < 0 {
		return errors.New("retry.initial_backoff_ms must be non-negative")
	}
	if c.Retry.MaxBackoffMS < c.Retry.InitialBackoffMS {
		return errors.New("retry.max_backoff_ms must be at least retry.initial_backoff_ms")
	}
	return nil
}

func (c *Config) validateApproval() error {
	if c.Approval.MaxRejections <= 0 {
		return errors.New("approval.max_rejections must be positive")
	}
	return nil
}

func (c *Config) validateBatch() error {
	if c.Batch.MaxItemRetries < 0 {
		return errors.New("batch.max_item_retries must be non-negative")
	}
	if c.Batch.RetryBackoffMS < 0 {
		return errors.New("batch.retry_backoff_ms must be non-negative")
	}
	return nil
}

func (c *Config) validateGenerator() error {
	if c.Generator.Endpoint == "" {
		return nil
	}
	if _, err := url.ParseRequestURI(c.Generator.Endpoint); err != nil {
		return fmt.Errorf("generator.endpoint: %w", err)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	if c.Notifications.DeliverInterval <= 0 {
		return errors.New("notifications.deliver_interval must be positive")
	}
	if c.Notifications.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.Notifications.WebhookURL); err != nil {
			return fmt.Errorf("notifications.webhook_url: %w", err)
		}
	}
	if c.Notifications.RedisURL != "" {
		if _, err := url.Parse(c.Notifications.RedisURL); err != nil {
			return fmt.Errorf("notifications.redis_url: %w", err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	for stage, level := range c.Logging.StageOverrides {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.stage_overrides.%s: unsupported level %q", stage, level)
		}
	}
	return nil
}
