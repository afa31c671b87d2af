package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertNoLeftovers(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("artifact payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "chroot.tar.gz")
	if err := Download(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(data) != "artifact payload" {
		t.Fatalf("unexpected content: %q", data)
	}
	assertNoLeftovers(t, dir)
}

func TestDownloadNonOKStatusIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "missing.bin")
	err := Download(context.Background(), srv.URL, dest)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination must not exist after failure")
	}
	assertNoLeftovers(t, dir)
}

func TestDownloadUnreachableHost(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	err := Download(context.Background(), "http://127.0.0.1:1/file", dest)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination must not exist after failure")
	}
}

func TestDownloadTimeoutLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "slow.bin")
	err := Download(ctx, srv.URL, dest)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination must not exist after timeout")
	}
	assertNoLeftovers(t, dir)
}

func TestDownloadInterruptedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		_, _ = w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Hijack and drop the connection mid-body.
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "broken.bin")
	err := Download(context.Background(), srv.URL, dest)
	if !errors.Is(err, ErrStream) {
		t.Fatalf("expected ErrStream, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination must not exist after stream failure")
	}
	assertNoLeftovers(t, dir)
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{ErrTimeout, ExitTimeout},
		{ErrStream, ExitStream},
		{ErrNetwork, ExitNetwork},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.code {
			t.Fatalf("ExitCode(%v): expected %d, got %d", tc.err, tc.code, got)
		}
	}
}

func TestSweepTempsRemovesKilledTransferLitter(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "chroot.tar.gz")

	for _, name := range []string{"chroot.tar.gz.tmp-a1b2c3d4", "chroot.tar.gz.tmp-ffffffff"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0o644); err != nil {
			t.Fatalf("write litter: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "other.img"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write bystander: %v", err)
	}

	sweepTemps(dest)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "other.img" {
		t.Fatalf("expected only the bystander to survive, got %v", entries)
	}
}
