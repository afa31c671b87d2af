package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veldt/buildfarm/pkg/behavior"
	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/librarian"
)

type memStore struct {
	mu      sync.Mutex
	stored  map[librarian.FileRef]string
	deleted []librarian.FileRef
	// failures maps a filename to the number of times storing it
	// should fail before succeeding.
	failures map[string]int
	failWith error
	counter  int
}

func newMemStore() *memStore {
	return &memStore{
		stored:   make(map[librarian.FileRef]string),
		failures: make(map[string]int),
	}
}

func (m *memStore) Store(ctx context.Context, filename string, size int64, r io.Reader, contentType string, restricted bool) (librarian.FileRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.failures[filename]; ok && n > 0 {
		m.failures[filename] = n - 1
		err := m.failWith
		if err == nil {
			err = librarian.ErrUnavailable
		}
		return "", fmt.Errorf("induced: %w", err)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	m.counter++
	ref := librarian.FileRef(fmt.Sprintf("ref-%d", m.counter))
	m.stored[ref] = filename
	return ref, nil
}

func (m *memStore) Delete(ctx context.Context, ref librarian.FileRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stored, ref)
	m.deleted = append(m.deleted, ref)
	return nil
}

func (m *memStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, n := range m.stored {
		names = append(names, n)
	}
	return names
}

type fixture struct {
	jobs     *farm.JobStore
	workers  *farm.Registry
	store    *memStore
	pipeline *Pipeline
	incoming string
	failed   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	incoming := filepath.Join(root, "incoming")
	failed := filepath.Join(root, "failed")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		t.Fatalf("mkdir incoming: %v", err)
	}

	jobs := farm.NewJobStore()
	workers := farm.NewRegistry()
	workers.Add(farm.Worker{Name: "bos01", Endpoint: "http://bos01.test", Arches: []string{"amd64"}})

	ref := &behavior.ReferenceData{ChrootBaseURL: "http://chroots.test"}
	store := newMemStore()
	pipeline := NewPipeline(jobs, workers, behavior.Default(ref), store, incoming, failed).
		WithRetry(2, time.Millisecond)

	return &fixture{jobs: jobs, workers: workers, store: store, pipeline: pipeline, incoming: incoming, failed: failed}
}

// dispatchJob creates a job and walks it to DISPATCHED on bos01.
func (f *fixture) dispatchJob(t *testing.T, kind farm.JobKind) farm.Job {
	t.Helper()
	job := f.jobs.Create(farm.Job{
		Kind:   kind,
		Target: farm.Target{Arch: "amd64", Series: "noble"},
		Source: "hello",
	})
	if err := f.jobs.ClaimForDispatch(job.ID, "bos01"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.workers.Reserve("bos01", job.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	job, _ = f.jobs.Get(job.ID)
	return job
}

// writeBundle lays out incoming/<cookie>/1/upload/ with the given
// files (slash-relative path to content).
func (f *fixture) writeBundle(t *testing.T, cookie string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(f.incoming, cookie, "1", "upload")
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if len(files) == 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return dir
}

func (f *fixture) bundleGone(cookie string) bool {
	_, err := os.Stat(filepath.Join(f.incoming, cookie))
	return os.IsNotExist(err)
}

func (f *fixture) quarantined(t *testing.T, cookie string) bool {
	t.Helper()
	entries, err := os.ReadDir(f.failed)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), cookie+"-") {
			return true
		}
	}
	return false
}

func TestProcessAcceptsImageBuild(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindImageBuild)
	f.writeBundle(t, job.Cookie, map[string]string{
		"cloud.img":     "raw image bits",
		"manifest.json": `{"series":"noble"}`,
	})

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "OK"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusAccepted || got.Outcome != farm.OutcomeSucceeded {
		t.Fatalf("expected ACCEPTED/SUCCEEDED, got %s/%s", got.Status, got.Outcome)
	}
	if names := f.store.names(); len(names) != 2 {
		t.Fatalf("expected 2 stored artifacts, got %v", names)
	}
	if !f.bundleGone(job.Cookie) {
		t.Fatal("accepted bundle should be removed from incoming")
	}
	if w, _ := f.workers.Get("bos01"); w.Assigned != "" {
		t.Fatalf("worker should be released, still holds %s", w.Assigned)
	}
}

func TestProcessRejectsImageBundleWithoutImages(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindImageBuild)
	f.writeBundle(t, job.Cookie, map[string]string{"build.log": "no image today"})

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "OK"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", got.Status)
	}
	if got.RejectReason != "Build did not produce any images" {
		t.Fatalf("unexpected reason: %q", got.RejectReason)
	}
	if len(f.store.names()) != 0 {
		t.Fatalf("nothing should be stored, got %v", f.store.names())
	}
	if !f.quarantined(t, job.Cookie) {
		t.Fatal("rejected bundle should be quarantined")
	}
	if w, _ := f.workers.Get("bos01"); w.Assigned != "" {
		t.Fatal("worker should be released after rejection")
	}
}

func TestProcessCIRunSkipsSubUnitWithoutLog(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindCIRun)
	f.writeBundle(t, job.Cookie, map[string]string{
		"unit1.log":           "ok",
		"unit1.properties":    "status=passed",
		"unit1/report.xml":    "<testsuite/>",
		"unit2/artifacts.tar": "orphaned, no log",
		"unit3.log":           "ok",
	})

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "SUCCEEDED"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s (%s)", got.Status, got.RejectReason)
	}

	names := f.store.names()
	for _, n := range names {
		if strings.HasPrefix(n, "unit2/") {
			t.Fatalf("unit2 has no log, its artifacts must not be stored: %v", names)
		}
	}
	if len(names) != 4 {
		t.Fatalf("expected unit1 log+properties+report and unit3 log, got %v", names)
	}

	var logged bool
	for _, line := range f.jobs.LogTail(job.ID) {
		if strings.Contains(line, "unit2") {
			logged = true
		}
	}
	if !logged {
		t.Fatal("dropped sub-unit should leave a trace in the job log")
	}
}

func TestProcessCIRunRejectsEmptyBundle(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindCIRun)
	f.writeBundle(t, job.Cookie, nil)

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "SUCCEEDED"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", got.Status)
	}
	if got.RejectReason != "No test results produced" {
		t.Fatalf("unexpected reason: %q", got.RejectReason)
	}
}

func TestProcessMissingBundleRejects(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindBinaryBuild)

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "OK"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusRejected || got.RejectReason != "No artifacts produced" {
		t.Fatalf("expected rejection for missing bundle, got %s %q", got.Status, got.RejectReason)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindImageBuild)
	f.writeBundle(t, job.Cookie, map[string]string{"cloud.img": "bits"})

	report := farm.Report{Cookie: job.Cookie, Status: "OK"}
	if _, err := f.pipeline.Process(context.Background(), report); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	storedAfterFirst := len(f.store.names())

	got, err := f.pipeline.Process(context.Background(), report)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if got.Status != farm.StatusAccepted {
		t.Fatalf("terminal state must not change, got %s", got.Status)
	}
	if len(f.store.names()) != storedAfterFirst {
		t.Fatal("duplicate report must not store artifacts again")
	}
}

func TestProcessRollsBackOnStorageFault(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindImageBuild)
	f.writeBundle(t, job.Cookie, map[string]string{
		"cloud.img":     "bits",
		"manifest.json": "{}",
	})
	// manifest.json stores after cloud.img (lexical order); fail it
	// more times than the session will retry.
	f.store.failures["manifest.json"] = 10

	_, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "OK"})
	if !errors.Is(err, ErrRetryLater) {
		t.Fatalf("expected ErrRetryLater, got %v", err)
	}

	got, _ := f.jobs.Get(job.ID)
	if got.Status != farm.StatusUploading {
		t.Fatalf("job must stay UPLOADING across a transient fault, got %s", got.Status)
	}
	if len(f.store.names()) != 0 {
		t.Fatalf("partial commit must be rolled back, store holds %v", f.store.names())
	}
	if f.bundleGone(job.Cookie) {
		t.Fatal("bundle must survive for the retry")
	}

	// Store recovers; the sweep retries the retained report.
	f.store.failures = map[string]int{}
	retained, ok := f.pipeline.RetainedReport(job.Cookie)
	if !ok {
		t.Fatal("report should be retained for retry")
	}
	got, err = f.pipeline.Process(context.Background(), retained)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got.Status != farm.StatusAccepted {
		t.Fatalf("expected ACCEPTED after retry, got %s", got.Status)
	}
	if len(f.store.names()) != 2 {
		t.Fatalf("expected both artifacts stored, got %v", f.store.names())
	}
}

func TestProcessDiscardsLateReportForCancelledJob(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindBinaryBuild)
	if _, err := f.jobs.RequestCancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.writeBundle(t, job.Cookie, map[string]string{"hello.deb": "bits"})

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "OK"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusCancelled || got.Outcome != farm.OutcomeCancelled {
		t.Fatalf("expected CANCELLED, got %s/%s", got.Status, got.Outcome)
	}
	if len(f.store.names()) != 0 {
		t.Fatal("cancelled job must not store artifacts")
	}
	if !f.bundleGone(job.Cookie) {
		t.Fatal("bundle for cancelled job should be discarded")
	}
}

func TestProcessWorkerFailureRejects(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindBinaryBuild)

	got, err := f.pipeline.Process(context.Background(), farm.Report{
		Cookie:  job.Cookie,
		Status:  "DEPFAIL",
		LogTail: "unmet dependency: libfoo-dev",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusRejected || got.Outcome != farm.OutcomeFailedDependency {
		t.Fatalf("expected REJECTED/FAILED_DEPENDENCY, got %s/%s", got.Status, got.Outcome)
	}
	if got.RejectReason != "Build failed: missing build dependencies" {
		t.Fatalf("unexpected reason: %q", got.RejectReason)
	}
	var logged bool
	for _, line := range f.jobs.LogTail(job.ID) {
		if strings.Contains(line, "libfoo-dev") {
			logged = true
		}
	}
	if !logged {
		t.Fatal("worker log tail should be retained on the job")
	}
	if w, _ := f.workers.Get("bos01"); w.Assigned != "" {
		t.Fatal("worker should be released after failure")
	}
}

func TestProcessUnknownStatusRejects(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindBinaryBuild)

	got, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: job.Cookie, Status: "WAT"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != farm.StatusRejected {
		t.Fatalf("expected REJECTED for unknown status, got %s", got.Status)
	}
}

func TestCookieLocksArePruned(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindImageBuild)
	f.writeBundle(t, job.Cookie, map[string]string{"cloud.img": "bits"})

	report := farm.Report{Cookie: job.Cookie, Status: "OK"}
	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.Process(context.Background(), report); err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
	}

	f.pipeline.mu.Lock()
	held := len(f.pipeline.locks)
	f.pipeline.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected lock map emptied after processing, %d entries held", held)
	}
}

func TestProcessUnknownCookie(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Process(context.Background(), farm.Report{Cookie: "nope", Status: "OK"})
	if !errors.Is(err, ErrUnknownCookie) {
		t.Fatalf("expected ErrUnknownCookie, got %v", err)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	reports []farm.Report
}

func (s *fakeSource) Next(ctx context.Context, timeout time.Duration) (*farm.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		return nil, nil
	}
	r := s.reports[0]
	s.reports = s.reports[1:]
	return &r, nil
}

func TestScannerDrainsQueue(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindImageBuild)
	f.writeBundle(t, job.Cookie, map[string]string{"cloud.img": "bits"})

	source := &fakeSource{reports: []farm.Report{{Cookie: job.Cookie, Status: "OK"}}}
	scanner := NewScanner(f.pipeline, f.jobs, source).WithIntervals(10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scanner.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := f.jobs.Get(job.ID)
		if got.Status == farm.StatusAccepted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never accepted, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestSweepSynthesizesCIReport(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindCIRun)
	f.writeBundle(t, job.Cookie, map[string]string{"unit1.log": "ok"})

	scanner := NewScanner(f.pipeline, f.jobs, &fakeSource{})
	scanner.Sweep(context.Background())

	got, _ := f.jobs.Get(job.ID)
	if got.Status != farm.StatusAccepted {
		t.Fatalf("sweep should accept an unannounced ci-run bundle, got %s", got.Status)
	}
}

func TestSweepDiscardsTerminalLeftovers(t *testing.T) {
	f := newFixture(t)
	job := f.dispatchJob(t, farm.KindBinaryBuild)
	if err := f.jobs.Finish(job.ID, farm.StatusAccepted, farm.OutcomeSucceeded, "done elsewhere"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	f.writeBundle(t, job.Cookie, map[string]string{"stray.deb": "bits"})

	scanner := NewScanner(f.pipeline, f.jobs, &fakeSource{})
	scanner.Sweep(context.Background())

	if !f.bundleGone(job.Cookie) {
		t.Fatal("leftover bundle for a terminal job should be removed")
	}
}
