package config

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Cancellation modes.
const (
	CancelModeCancel = "cancel"
	CancelModeHalt   = "halt"
)

const (
	defaultConfigPath          = "~/.config/workflow-queue/config.toml"
	defaultBackend             = BackendSQLite
	defaultSQLitePath          = "~/.local/share/workflow-queue/queue.db"
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultRedisPrefix         = "wfq"
	defaultPostgresTable       = "workflow_queue"
	defaultStoreTimeout        = 10
	defaultWaitForMinutes      = 60
	defaultPollIntervalSeconds = 10
	defaultTTLMinutes          = 360
	defaultNoSquashTag         = "[no-squash]"
	defaultCancelMode          = CancelModeCancel
	defaultCancelGraceSeconds  = 60
	defaultCircleCIAPIURL      = "https://circleci.com/api/v2"
	defaultCircleCITimeout     = 15
	defaultScratchDir          = "/tmp/workflow-queue"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Store: Store{
			Backend:          defaultBackend,
			SQLitePath:       defaultSQLitePath,
			RedisAddr:        defaultRedisAddr,
			RedisPrefix:      defaultRedisPrefix,
			PostgresTable:    defaultPostgresTable,
			OperationTimeout: defaultStoreTimeout,
		},
		Queue: Queue{
			WaitForMinutes:      defaultWaitForMinutes,
			PollIntervalSeconds: defaultPollIntervalSeconds,
			TTLMinutes:          defaultTTLMinutes,
			NoSquashTag:         defaultNoSquashTag,
		},
		Cancel: Cancel{
			Mode:         defaultCancelMode,
			GraceSeconds: defaultCancelGraceSeconds,
		},
		CircleCI: CircleCI{
			APIURL:         defaultCircleCIAPIURL,
			TimeoutSeconds: defaultCircleCITimeout,
		},
		Scratch: Scratch{
			Dir: defaultScratchDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
