package config

const (
	defaultConfigPath                = "~/.config/montage/config.toml"
	defaultDataDir                   = "~/.local/share/montage"
	defaultLogDir                    = "~/.local/share/montage/logs"
	defaultPipelinesDir              = "~/.config/montage/pipelines"
	defaultAPIBind                   = "127.0.0.1:7488"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 120
	defaultMaxConcurrency            = 4
	defaultRetryMaxAttempts          = 3
	defaultRetryInitialBackoffMS     = 1000
	defaultRetryMaxBackoffMS         = 4000
	defaultMaxRejections             = 3
	defaultBatchMaxItemRetries       = 3
	defaultBatchRetryBackoffMS       = 1000
	defaultGeneratorTimeout          = 30
	defaultRedisStream               = "montage:events"
	defaultNotifyMaxAttempts         = 10
	defaultJobRetentionDays          = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			LogDir:       defaultLogDir,
			PipelinesDir: defaultPipelinesDir,
			APIBind:      defaultAPIBind,
		},
		Workflow: Workflow{
			QueuePollInterval:  2,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:   defaultWorkflowHeartbeatTimeout,
			MaxConcurrency:     defaultMaxConcurrency,
			ResultPollInterval: 5,
			CancelAckTimeout:   10,
		},
		Retry: Retry{
			MaxAttempts:      defaultRetryMaxAttempts,
			InitialBackoffMS: defaultRetryInitialBackoffMS,
			MaxBackoffMS:     defaultRetryMaxBackoffMS,
		},
		Approval: Approval{
			MaxRejections: defaultMaxRejections,
		},
		Batch: Batch{
			MaxItemRetries: defaultBatchMaxItemRetries,
			RetryBackoffMS: defaultBatchRetryBackoffMS,
		},
		Generator: Generator{
			RequestTimeout: defaultGeneratorTimeout,
		},
		Notifications: Notifications{
			RedisStream:     defaultRedisStream,
			RequestTimeout:  10,
			DeliverInterval: 5,
			MaxAttempts:     defaultNotifyMaxAttempts,
			Jobs:            true,
			Batches:         true,
			Approvals:       true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Retention: Retention{
			JobRetentionDays: defaultJobRetentionDays,
		},
	}
}
