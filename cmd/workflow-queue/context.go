package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"workflowqueue/internal/config"
	"workflowqueue/internal/faults"
	"workflowqueue/internal/logging"
	"workflowqueue/internal/metrics"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/scratch"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger

	store   queue.Store
	metrics *metrics.Recorder
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = faults.Wrap(faults.ErrConfiguration, "cli", "ensure directories", "", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// loggerFor returns the process logger. Logs always go to stderr so command
// output stays parseable.
func (c *commandContext) loggerFor(cmd *cobra.Command) *slog.Logger {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.logger = logging.NewNop()
			return
		}
		logger, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Writer: cmd.ErrOrStderr(),
		})
		if err != nil {
			c.logger = logging.NewNop()
			return
		}
		c.logger = logger
	})
	return c.logger
}

// openStore connects to the configured backend once per invocation.
func (c *commandContext) openStore(ctx context.Context) (queue.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := queue.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.store = store
	return store, nil
}

func (c *commandContext) scratchArea() (*scratch.Area, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return scratch.New(cfg.Scratch.Dir), nil
}

// recorder returns the metrics recorder, or nil when no textfile is configured.
func (c *commandContext) recorder() *metrics.Recorder {
	cfg, err := c.ensureConfig()
	if err != nil || strings.TrimSpace(cfg.Metrics.TextfilePath) == "" {
		return nil
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	return c.metrics
}

// partition resolves the partition key from a flag, falling back to config.
func (c *commandContext) partition(flagValue string) string {
	if key := strings.TrimSpace(flagValue); key != "" {
		return key
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return ""
	}
	return cfg.Queue.Key
}

func (c *commandContext) requirePartition(flagValue string) (string, error) {
	key := c.partition(flagValue)
	if key == "" {
		return "", faults.Wrap(faults.ErrConfiguration, "cli", "resolve partition",
			"no partition key; pass --key or set queue.key", nil)
	}
	return key, nil
}

func (c *commandContext) flushMetrics() error {
	if c.metrics == nil {
		return nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if err := c.metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (c *commandContext) close() error {
	var errs []error
	if err := c.flushMetrics(); err != nil {
		errs = append(errs, err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		c.store = nil
	}
	return errors.Join(errs...)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// usageError prints the command usage and marks err as a validation failure.
func usageError(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
	if errors.Is(err, faults.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %w", faults.ErrValidation, err)
}

// exactArgs is cobra.ExactArgs with usage output and a validation exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(cmd, err)
		}
		return nil
	}
}
