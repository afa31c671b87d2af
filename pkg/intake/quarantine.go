package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// discardBundle removes whatever the worker delivered for a cookie.
// Used once a job is terminal or its artifacts are fully committed.
func (p *Pipeline) discardBundle(cookie string) {
	dir := filepath.Join(p.incomingDir, cookie)
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Error("discard bundle failed", "cookie", cookie, "error", err)
	}
}

// quarantineBundle moves a rejected upload aside for operator
// inspection instead of deleting it. Falls back to deletion when the
// move fails, so a rejected bundle can never be re-processed.
func (p *Pipeline) quarantineBundle(cookie string) {
	src := filepath.Join(p.incomingDir, cookie)
	if _, err := os.Stat(src); err != nil {
		return
	}
	if err := os.MkdirAll(p.failedDir, 0o755); err != nil {
		p.logger.Error("create quarantine dir failed", "error", err)
		p.discardBundle(cookie)
		return
	}
	dest := filepath.Join(p.failedDir, fmt.Sprintf("%s-%s", cookie, time.Now().UTC().Format("20060102T150405")))
	if err := os.Rename(src, dest); err != nil {
		p.logger.Error("quarantine bundle failed, discarding", "cookie", cookie, "error", err)
		p.discardBundle(cookie)
		return
	}
	p.logger.Info("bundle quarantined", "cookie", cookie, "path", dest)
}
