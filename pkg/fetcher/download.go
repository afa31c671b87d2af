// Package fetcher is the file-download primitive used by dispatch and
// intake. The core Download streams a URL to a temporary file and only
// renames it into place on full success, so a destination path is
// either absent or complete — never partial. The Agent wrapper runs the
// same logic in an isolated subprocess so a hung or hostile transfer
// cannot block the parent.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNetwork indicates the transfer failed before any usable body
	// arrived: dial failure, DNS, or a non-2xx response.
	ErrNetwork = errors.New("download network error")
	// ErrStream indicates the response body was interrupted mid-copy.
	ErrStream = errors.New("download stream error")
	// ErrTimeout indicates the deadline elapsed during the transfer.
	ErrTimeout = errors.New("download timed out")
)

// Download fetches url into dest. The temporary file lives in dest's
// directory so the final rename is atomic on every sane filesystem.
func Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return classify(ctx, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d from %s", ErrNetwork, resp.StatusCode, url)
	}

	tmp := fmt.Sprintf("%s.tmp-%s", dest, uuid.NewString()[:8])
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return classify(ctx, ErrStream, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStream, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStream, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// classify prefers the timeout error when the context deadline was the
// underlying cause; a cancelled dial and a cancelled copy both surface
// as context errors wrapped by net/http.
func classify(ctx context.Context, kind, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.Contains(err.Error(), "deadline exceeded") {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}
