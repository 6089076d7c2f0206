package testsupport

import (
	"path/filepath"
	"testing"

	"workflowqueue/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The store defaults to an SQLite database under the temp directory.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "queue.db")
	cfgVal.Scratch.Dir = filepath.Join(base, "scratch")
	cfgVal.Queue.Key = "test"
	cfgVal.CircleCI.Token = "test-token"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBackend selects the store backend on the test config.
func WithBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Backend = backend
	}
}

// WithPartition sets the default partition key.
func WithPartition(key string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Key = key
	}
}

// WithMetricsTextfile enables the Prometheus textfile export under the temp dir.
func WithMetricsTextfile() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Metrics.TextfilePath = filepath.Join(b.baseDir, "metrics", "workflow_queue.prom")
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Scratch.Dir)
}
