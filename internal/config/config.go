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

// Store selects and configures the shared queue store backend.
type Store struct {
	Backend          string `toml:"backend"`
	SQLitePath       string `toml:"sqlite_path"`
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          int    `toml:"redis_db"`
	RedisPrefix      string `toml:"redis_prefix"`
	PostgresDSN      string `toml:"postgres_dsn"`
	PostgresTable    string `toml:"postgres_table"`
	OperationTimeout int    `toml:"operation_timeout_seconds"`
}

// Queue contains the admission defaults applied when CLI flags are absent.
type Queue struct {
	Key                 string `toml:"key"`
	WaitForMinutes      int    `toml:"wait_for_minutes"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	TTLMinutes          int    `toml:"ttl_minutes"`
	CheckPreviousCommit bool   `toml:"check_previous_commit"`
	NoSquashTag         string `toml:"no_squash_tag"`
}

// Cancel contains settings for enforcing a self-cancel decision.
type Cancel struct {
	Mode         string `toml:"mode"`
	GraceSeconds int    `toml:"grace_seconds"`
}

// CircleCI contains the orchestration platform API settings.
type CircleCI struct {
	APIURL         string `toml:"api_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Scratch locates the per-run scratch area shared between steps.
type Scratch struct {
	Dir string `toml:"dir"`
}

// Metrics contains the Prometheus textfile export settings.
type Metrics struct {
	TextfilePath string `toml:"textfile_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for workflow-queue.
//
// Configuration sections by subsystem:
//   - Store: backend selection and connection settings
//   - Queue: admission defaults (partition key, wait, poll, TTL)
//   - Cancel: self-cancel enforcement mode and grace period
//   - CircleCI: platform API endpoint and token
//   - Scratch: per-run state directory
//   - Metrics: Prometheus textfile output
//   - Logging: log format and level
type Config struct {
	Store    Store    `toml:"store"`
	Queue    Queue    `toml:"queue"`
	Cancel   Cancel   `toml:"cancel"`
	CircleCI CircleCI `toml:"circleci"`
	Scratch  Scratch  `toml:"scratch"`
	Metrics  Metrics  `toml:"metrics"`
	Logging  Logging  `toml:"logging"`
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

	projectPath, err := filepath.Abs("workflow-queue.toml")
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

// EnsureDirectories creates the directories the configured backends write into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Scratch.Dir}
	if c.Store.Backend == BackendSQLite {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	if c.Metrics.TextfilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Metrics.TextfilePath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// WaitFor returns the maximum admission wait.
func (c *Config) WaitFor() time.Duration {
	return time.Duration(c.Queue.WaitForMinutes) * time.Minute
}

// PollInterval returns the delay between admission attempts.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalSeconds) * time.Second
}

// TTL returns how long an entry stays visible after creation.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Queue.TTLMinutes) * time.Minute
}

// CancelGrace returns how long the cancellation executor waits for confirmation.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Cancel.GraceSeconds) * time.Second
}

// StoreTimeout bounds a single store operation.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.OperationTimeout) * time.Second
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
