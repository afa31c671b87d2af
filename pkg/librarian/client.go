// Package librarian is the client for the durable artifact store. The
// intake pipeline only ever needs the returned file reference; the
// store itself (replication, serving) is a collaborator.
package librarian

import (
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
)

// ErrUnavailable indicates a transport fault or a 5xx from the store.
// Transient per the error taxonomy: callers retry with backoff and
// never convert it into a job rejection.
var ErrUnavailable = errors.New("artifact store unavailable")

// FileRef is the durable reference to a stored artifact.
type FileRef string

// Client talks to the artifact store over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an artifact store client with sane defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

type storeResponse struct {
	Ref FileRef `json:"ref"`
}

// Store uploads one file and returns its durable reference.
func (c *Client) Store(ctx context.Context, filename string, size int64, r io.Reader, contentType string, restricted bool) (FileRef, error) {
	endpoint := fmt.Sprintf("%s/v1/files?name=%s&restricted=%s",
		c.baseURL, url.QueryEscape(filename), strconv.FormatBool(restricted))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return "", fmt.Errorf("create store request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, readErrorBody(resp.Body))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("store %s failed: status %d: %s", filename, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode store response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("store %s returned an empty reference", filename)
	}
	return out.Ref, nil
}

// Delete removes a stored artifact. Used only by session rollback.
func (c *Client) Delete(ctx context.Context, ref FileRef) error {
	endpoint := fmt.Sprintf("%s/v1/files/%s", c.baseURL, url.PathEscape(string(ref)))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s failed: status %d", ref, resp.StatusCode)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return strings.TrimSpace(string(payload))
}
