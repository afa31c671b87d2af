package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Exit codes shared between the Agent and the farm-fetch helper binary.
const (
	ExitOK      = 0
	ExitNetwork = 2
	ExitStream  = 3
	ExitTimeout = 4
	ExitUsage   = 5
)

// ExitCode maps a Download error onto the helper's exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrTimeout):
		return ExitTimeout
	case errors.Is(err, ErrStream):
		return ExitStream
	default:
		return ExitNetwork
	}
}

// Agent fetches files through the farm-fetch helper subprocess.
type Agent struct {
	// BinPath is the helper binary. Defaults to farm-fetch on PATH.
	BinPath string
}

func NewAgent(binPath string) *Agent {
	if strings.TrimSpace(binPath) == "" {
		binPath = "farm-fetch"
	}
	return &Agent{BinPath: binPath}
}

// Fetch downloads url into dest with the given timeout, running the
// transfer in an isolated subprocess. The child is killed when the
// timeout or the caller's context expires; the atomicity guarantee of
// Download holds either way.
func (a *Agent) Fetch(ctx context.Context, url, dest string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.BinPath,
		"-url", url,
		"-dest", dest,
		"-timeout", timeout.String(),
	)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// The killed child had no chance to clean up its temp file.
		sweepTemps(dest)
		return fmt.Errorf("%w: helper killed after %s", ErrTimeout, timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(string(output))
		switch exitErr.ExitCode() {
		case ExitTimeout:
			return fmt.Errorf("%w: %s", ErrTimeout, detail)
		case ExitStream:
			return fmt.Errorf("%w: %s", ErrStream, detail)
		case ExitNetwork:
			return fmt.Errorf("%w: %s", ErrNetwork, detail)
		default:
			return fmt.Errorf("fetch helper exit %d: %s", exitErr.ExitCode(), detail)
		}
	}
	return fmt.Errorf("run fetch helper: %w", err)
}

// sweepTemps removes temp files left next to dest by a killed
// transfer. Best-effort: a sweep failure leaves litter, never a
// partial destination.
func sweepTemps(dest string) {
	matches, err := filepath.Glob(dest + ".tmp-*")
	if err != nil {
		return
	}
	for _, path := range matches {
		_ = os.Remove(path)
	}
}
