// Package workerapi is the HTTP client for the worker control channel.
// The wire contract is small: start a job, poll status, request an
// abort. The cookie travels with every call so a worker restart or a
// duplicated delivery can always be correlated back to the job.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veldt/buildfarm/pkg/farm"
)

var (
	// ErrUnreachable indicates a transport-level failure talking to
	// the worker. Transient: retry, then quarantine the worker.
	ErrUnreachable = errors.New("worker unreachable")
	// ErrRejected indicates the worker answered but refused the
	// request. The job should be requeued elsewhere.
	ErrRejected = errors.New("worker rejected request")
)

// Client talks to worker agents. One client serves the whole fleet;
// the endpoint is passed per call.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a worker API client with sane defaults.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// StartJob asks a worker to begin executing a start command.
func (c *Client) StartJob(ctx context.Context, endpoint string, cmd farm.StartCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal start command: %w", err)
	}

	url := fmt.Sprintf("%s/v1/jobs", strings.TrimSuffix(endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, readErrorBody(resp.Body))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readErrorBody(resp.Body))
	}
}

// Status polls the worker for the state of its current job.
func (c *Client) Status(ctx context.Context, endpoint string) (farm.Report, error) {
	url := fmt.Sprintf("%s/v1/status", strings.TrimSuffix(endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return farm.Report{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return farm.Report{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return farm.Report{}, fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, readErrorBody(resp.Body))
	}

	var report farm.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return farm.Report{}, fmt.Errorf("decode status report: %w", err)
	}
	return report, nil
}

// Abort asks the worker to stop the job identified by the cookie.
// Best-effort: callers treat failures as advisory.
func (c *Client) Abort(ctx context.Context, endpoint, cookie string) error {
	url := fmt.Sprintf("%s/v1/jobs/%s/abort", strings.TrimSuffix(endpoint, "/"), cookie)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create abort request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return strings.TrimSpace(string(payload))
}
