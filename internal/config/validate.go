package config

import (
	"fmt"
	"strings"

	"workflowqueue/internal/faults"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateCancel(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return configErr("store.sqlite_path must be set when store.backend is sqlite")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return configErr("store.redis_addr must be set when store.backend is redis (or set WORKFLOW_QUEUE_REDIS_ADDR)")
		}
		if c.Store.RedisDB < 0 {
			return configErr("store.redis_db must be >= 0")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return configErr("store.postgres_dsn must be set when store.backend is postgres (or set WORKFLOW_QUEUE_POSTGRES_DSN)")
		}
		if !isIdentifier(c.Store.PostgresTable) {
			return configErr("store.postgres_table must be a plain SQL identifier, got %q", c.Store.PostgresTable)
		}
	case BackendMemory:
	default:
		return configErr("store.backend must be one of sqlite, redis, postgres, memory (got %q)", c.Store.Backend)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.PollIntervalSeconds > c.Queue.WaitForMinutes*60 {
		return configErr("queue.poll_interval_seconds must not exceed queue.wait_for_minutes")
	}
	return nil
}

func (c *Config) validateCancel() error {
	switch c.Cancel.Mode {
	case CancelModeCancel, CancelModeHalt:
		return nil
	default:
		return configErr("cancel.mode must be cancel or halt (got %q)", c.Cancel.Mode)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return configErr("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", faults.ErrConfiguration, fmt.Sprintf(format, args...))
}

func isIdentifier(value string) bool {
	if value == "" {
		return false
	}
	for i, r := range value {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
