package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"workflowqueue/internal/config"
	"workflowqueue/internal/queue"
	"workflowqueue/internal/testsupport"
)

const testPartition = "deploy"

type cliTestEnv struct {
	cfg        *config.Config
	store      queue.Store
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, opts ...func(*config.Config)) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithPartition(testPartition), testsupport.WithMetricsTextfile())
	for _, opt := range opts {
		opt(cfg)
	}
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", filepath.Join(base, "home"))
	for _, name := range []string{"CIRCLE_WORKFLOW_ID", "CIRCLE_SHA1", "CIRCLE_BUILD_NUM", "CIRCLE_BRANCH", "CIRCLE_USERNAME", "CIRCLE_TOKEN"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		store:      testsupport.MustOpenStore(t, cfg),
		configPath: configPath,
		baseDir:    base,
	}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (env *cliTestEnv) entry(t *testing.T, workflowID string) *queue.Entry {
	t.Helper()
	entry, err := env.store.QueryByWorkflowID(context.Background(), testPartition, workflowID)
	if err != nil {
		t.Fatalf("QueryByWorkflowID(%s): %v", workflowID, err)
	}
	return entry
}

func (env *cliTestEnv) setCIEnv(t *testing.T, workflowID, commit string) {
	t.Helper()
	t.Setenv("CIRCLE_WORKFLOW_ID", workflowID)
	t.Setenv("CIRCLE_SHA1", commit)
	t.Setenv("CIRCLE_BUILD_NUM", "7")
	t.Setenv("CIRCLE_BRANCH", "main")
	t.Setenv("CIRCLE_USERNAME", "dev")
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireNotContains(t *testing.T, output, substr string) {
	t.Helper()
	if strings.Contains(output, substr) {
		t.Fatalf("expected %q not to contain %q", output, substr)
	}
}
