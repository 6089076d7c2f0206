package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeCancel()
	c.normalizeCircleCI()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultBackend
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(strings.TrimSpace(c.Store.SQLitePath)); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.RedisAddr = strings.TrimSpace(c.Store.RedisAddr)
	if value, ok := os.LookupEnv("WORKFLOW_QUEUE_REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Store.RedisAddr = strings.TrimSpace(value)
	}
	if c.Store.RedisPassword == "" {
		if value, ok := os.LookupEnv("WORKFLOW_QUEUE_REDIS_PASSWORD"); ok {
			c.Store.RedisPassword = value
		}
	}
	c.Store.RedisPrefix = strings.TrimSpace(c.Store.RedisPrefix)
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = defaultRedisPrefix
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	if c.Store.PostgresDSN == "" {
		if value, ok := os.LookupEnv("WORKFLOW_QUEUE_POSTGRES_DSN"); ok {
			c.Store.PostgresDSN = strings.TrimSpace(value)
		}
	}
	c.Store.PostgresTable = strings.TrimSpace(c.Store.PostgresTable)
	if c.Store.PostgresTable == "" {
		c.Store.PostgresTable = defaultPostgresTable
	}
	if c.Store.OperationTimeout <= 0 {
		c.Store.OperationTimeout = defaultStoreTimeout
	}
	return nil
}

func (c *Config) normalizeQueue() {
	c.Queue.Key = strings.TrimSpace(c.Queue.Key)
	c.Queue.NoSquashTag = strings.TrimSpace(c.Queue.NoSquashTag)
	if c.Queue.WaitForMinutes <= 0 {
		c.Queue.WaitForMinutes = defaultWaitForMinutes
	}
	if c.Queue.PollIntervalSeconds <= 0 {
		c.Queue.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Queue.TTLMinutes <= 0 {
		c.Queue.TTLMinutes = defaultTTLMinutes
	}
}

func (c *Config) normalizeCancel() {
	c.Cancel.Mode = strings.ToLower(strings.TrimSpace(c.Cancel.Mode))
	if c.Cancel.Mode == "" {
		c.Cancel.Mode = defaultCancelMode
	}
	if c.Cancel.GraceSeconds <= 0 {
		c.Cancel.GraceSeconds = defaultCancelGraceSeconds
	}
}

func (c *Config) normalizeCircleCI() {
	c.CircleCI.APIURL = strings.TrimRight(strings.TrimSpace(c.CircleCI.APIURL), "/")
	if c.CircleCI.APIURL == "" {
		c.CircleCI.APIURL = defaultCircleCIAPIURL
	}
	c.CircleCI.Token = strings.TrimSpace(c.CircleCI.Token)
	if c.CircleCI.Token == "" {
		if value, ok := os.LookupEnv("CIRCLE_TOKEN"); ok {
			c.CircleCI.Token = strings.TrimSpace(value)
		}
	}
	if c.CircleCI.TimeoutSeconds <= 0 {
		c.CircleCI.TimeoutSeconds = defaultCircleCITimeout
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Scratch.Dir) == "" {
		c.Scratch.Dir = defaultScratchDir
	}
	if c.Scratch.Dir, err = expandPath(c.Scratch.Dir); err != nil {
		return fmt.Errorf("scratch.dir: %w", err)
	}
	if c.Metrics.TextfilePath, err = expandPath(strings.TrimSpace(c.Metrics.TextfilePath)); err != nil {
		return fmt.Errorf("metrics.textfile_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
