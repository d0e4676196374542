// Package backend is a small client for the execution platform's REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zsprackett/execwatch/internal/execution"
)

const defaultTimeout = 10 * time.Second

// ErrTokenExpired is returned without contacting the server when the
// configured bearer token's exp claim is in the past.
var ErrTokenExpired = errors.New("api token has expired")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API returned %d", e.Code)
	}
	return fmt.Sprintf("API returned %d: %s", e.Code, e.Body)
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	now     func() time.Time
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// SetNow replaces the clock used for token expiry checks.
func (c *Client) SetNow(fn func() time.Time) { c.now = fn }

// TokenExpiry returns the exp claim of the configured token. ok is false
// when there is no token or it is not a JWT carrying exp.
func (c *Client) TokenExpiry() (exp time.Time, ok bool) {
	if c.token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (c *Client) checkToken() error {
	if exp, ok := c.TokenExpiry(); ok && !c.now().Before(exp) {
		return ErrTokenExpired
	}
	return nil
}

// Queue returns the platform's pending-execution queue.
func (c *Client) Queue(ctx context.Context) ([]execution.QueueItem, error) {
	var items []execution.QueueItem
	if err := c.do(ctx, http.MethodGet, "/api/execution-queue", nil, &items); err != nil {
		return nil, fmt.Errorf("fetch queue: %w", err)
	}
	return items, nil
}

// RecentExecutions returns up to limit finished executions, newest first.
func (c *Client) RecentExecutions(ctx context.Context, limit int) ([]execution.Summary, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var out []execution.Summary
	if err := c.do(ctx, http.MethodGet, "/api/agent-tasks/executions/recent?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch recent executions: %w", err)
	}
	return out, nil
}

// CancelExecution asks the platform to cancel a running execution.
func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	path := "/api/agent-tasks/executions/" + url.PathEscape(executionID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}
	return nil
}

// ExecuteTask starts a new execution of taskID and returns its id when the
// platform reports one.
func (c *Client) ExecuteTask(ctx context.Context, taskID string) (string, error) {
	var resp struct {
		ExecutionID string `json:"executionId"`
	}
	path := "/api/agent-tasks/" + url.PathEscape(taskID) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("execute task %s: %w", taskID, err)
	}
	return resp.ExecutionID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.checkToken(); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
