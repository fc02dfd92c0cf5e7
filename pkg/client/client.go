// Package client implements the agent side of the gateway protocol: signed
// requests, heartbeat, job polling, report upload, and acknowledgment.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/agent-gateway/pkg/auth"
)

// Config configures a gateway client
type Config struct {
	ServerURL  string
	Token      string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client is a signed HTTP client for the agent protocol. Calls are strictly
// sequential; the agent keeps at most one request outstanding.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a gateway client
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Token == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("token and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Heartbeat reports liveness and host facts
type Heartbeat struct {
	OSType       string `json:"os_type"`
	OSVersion    string `json:"os_version"`
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
}

// SendHeartbeat reports liveness to the gateway
func (c *Client) SendHeartbeat(ctx context.Context, hb *Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agent/heartbeat", hb, nil)
}

// Job is one unit of delivered work
type Job struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// PollJobs fetches pending jobs. Each returned job is already marked
// delivered on the server; losing the response means the job stays delivered
// until an operator requeues it.
func (c *Client) PollJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/agent/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Report is a job result artifact
type Report struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

// UploadReport stores a result artifact for a job
func (c *Client) UploadReport(ctx context.Context, report *Report) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agent/reports", report, nil)
}

// AckJob finalizes a job with a terminal status ("done" or "failed")
func (c *Client) AckJob(ctx context.Context, jobID, status string) error {
	body := map[string]string{"job_id": jobID, "status": status}
	return c.do(ctx, http.MethodPost, "/api/v1/agent/jobs/ack", body, nil)
}

// do issues one signed request with linear-backoff retries on transport
// errors and 5xx responses. 4xx responses are never retried: a rejected
// signature stays rejected.
func (c *Client) do(ctx context.Context, method, uri string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
			}
		}

		retryable, err := c.attempt(ctx, method, uri, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, uri string, payload []byte, out interface{}) (retryable bool, err error) {
	// each attempt gets a fresh timestamp, nonce, and signature
	timestampMillis := time.Now().UnixMilli()
	nonce := auth.NewNonce()
	message := auth.CanonicalMessage(method, uri, timestampMillis, nonce, payload)
	signature := auth.Sign([]byte(c.cfg.Secret), message)

	var reqBody io.Reader
	if len(payload) > 0 {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+uri, reqBody)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set(auth.HeaderToken, c.cfg.Token)
	req.Header.Set(auth.HeaderSignature, signature)
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(timestampMillis, 10))
	req.Header.Set(auth.HeaderNonce, nonce)
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("request rejected: %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return false, nil
}
