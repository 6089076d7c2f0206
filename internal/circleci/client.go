package circleci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"workflowqueue/internal/config"
)

// Workflow statuses reported by the API that matter to cancellation.
const (
	WorkflowCanceled = "canceled"
	WorkflowRunning  = "running"
)

const maxErrorBody = 512

// HTTPDoer describes the HTTP client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient injects a custom HTTP client (primarily for tests).
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithExecutor injects the executor used to reach circleci-agent.
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client calls the CircleCI API v2 and the local agent.
type Client struct {
	baseURL string
	token   string
	http    HTTPDoer
	exec    Executor
}

// NewClient builds a client from the [circleci] config section.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("circleci client: config is nil")
	}
	timeout := time.Duration(cfg.CircleCI.TimeoutSeconds) * time.Second
	client := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.CircleCI.APIURL), "/"),
		token:   strings.TrimSpace(cfg.CircleCI.Token),
		http:    &http.Client{Timeout: timeout},
		exec:    commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// CancelWorkflow asks the platform to cancel the workflow.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := c.requireToken(); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/workflow/%s/cancel", c.baseURL, url.PathEscape(workflowID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	defer resp.Body.Close()
	return nil
}

// WorkflowStatus returns the current status string of the workflow.
func (c *Client) WorkflowStatus(ctx context.Context, workflowID string) (string, error) {
	if err := c.requireToken(); err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/workflow/%s", c.baseURL, url.PathEscape(workflowID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build workflow request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	defer resp.Body.Close()

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	return payload.Status, nil
}

// Halt ends the current job successfully without failing the workflow.
func (c *Client) Halt(ctx context.Context) error {
	if _, err := c.exec.Output(ctx, "circleci-agent", "step", "halt"); err != nil {
		return fmt.Errorf("halt job: %w", err)
	}
	return nil
}

func (c *Client) requireToken() error {
	if c.token == "" {
		return errors.New("circleci api token is not configured (set CIRCLE_TOKEN or [circleci].token)")
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Circle-Token", c.token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("circleci api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
