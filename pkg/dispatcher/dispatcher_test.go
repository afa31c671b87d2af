package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/veldt/buildfarm/pkg/behavior"
	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/workerapi"
)

type fakeClient struct {
	mu       sync.Mutex
	started []farm.StartCommand
	aborted []string
	// startFailures is the number of StartJob calls that fail with
	// startErr before the worker recovers; -1 means every call fails.
	startFailures int
	startErr      error
	startCalls    int
	statusReport  farm.Report
	statusErr     error
}

func (f *fakeClient) StartJob(ctx context.Context, endpoint string, cmd farm.StartCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startFailures != 0 {
		if f.startFailures > 0 {
			f.startFailures--
		}
		return f.startErr
	}
	f.started = append(f.started, cmd)
	return nil
}

func (f *fakeClient) Status(ctx context.Context, endpoint string) (farm.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusReport, f.statusErr
}

func (f *fakeClient) Abort(ctx context.Context, endpoint, cookie string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, cookie)
	return nil
}

func (f *fakeClient) startedCookies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cookies []string
	for _, cmd := range f.started {
		cookies = append(cookies, cmd.Cookie)
	}
	return cookies
}

type fakeSink struct {
	mu      sync.Mutex
	reports []farm.Report
}

func (s *fakeSink) Announce(ctx context.Context, report farm.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func testBehaviors() *behavior.Registry {
	return behavior.Default(&behavior.ReferenceData{ChrootBaseURL: "http://chroots.test"})
}

func newDispatcher(client WorkerClient) (*Dispatcher, *farm.JobStore, *farm.Registry) {
	jobs := farm.NewJobStore()
	workers := farm.NewRegistry()
	d := New(jobs, workers, testBehaviors(), client).WithSendRetry(2, 0)
	return d, jobs, workers
}

func addWorker(workers *farm.Registry, name string) {
	workers.Add(farm.Worker{
		Name:     name,
		Endpoint: "http://" + name + ".test",
		Arches:   []string{"amd64"},
	})
}

func createJob(jobs *farm.JobStore, source string, createdAt time.Time, boost int) farm.Job {
	return jobs.Create(farm.Job{
		Kind:        farm.KindBinaryBuild,
		Target:      farm.Target{Arch: "amd64", Series: "noble"},
		Source:      source,
		ManualBoost: boost,
		CreatedAt:   createdAt,
	})
}

func TestScoreSteps(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		job  farm.Job
		want int
	}{
		{"fresh binary", farm.Job{Kind: farm.KindBinaryBuild, CreatedAt: now}, 1000},
		{"ci base", farm.Job{Kind: farm.KindCIRun, CreatedAt: now}, 1300},
		{"ten minutes old", farm.Job{Kind: farm.KindBinaryBuild, CreatedAt: now.Add(-10 * time.Minute)}, 1005},
		{"half hour old", farm.Job{Kind: farm.KindBinaryBuild, CreatedAt: now.Add(-30 * time.Minute)}, 1015},
		{"two hours old", farm.Job{Kind: farm.KindBinaryBuild, CreatedAt: now.Add(-2 * time.Hour)}, 1050},
		{"day old", farm.Job{Kind: farm.KindBinaryBuild, CreatedAt: now.Add(-24 * time.Hour)}, 1100},
		{"boosted", farm.Job{Kind: farm.KindBinaryBuild, CreatedAt: now, ManualBoost: 500}, 1500},
	}
	for _, tc := range cases {
		if got := Score(tc.job, now); got != tc.want {
			t.Errorf("%s: Score = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestTickDispatchesHighestScoreFirst(t *testing.T) {
	client := &fakeClient{}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")

	now := time.Now().UTC()
	createJob(jobs, "low", now, 0)
	high := createJob(jobs, "high", now, 100)

	if n := d.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}
	got, _ := jobs.Get(high.ID)
	if got.Status != farm.StatusDispatched || got.Worker != "bos01" {
		t.Fatalf("boosted job should win the worker, got %s on %q", got.Status, got.Worker)
	}
	if cookies := client.startedCookies(); len(cookies) != 1 || cookies[0] != high.Cookie {
		t.Fatalf("unexpected start commands: %v", cookies)
	}
}

func TestTickTieBreaksByAgeThenID(t *testing.T) {
	client := &fakeClient{}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")

	now := time.Now().UTC()
	older := createJob(jobs, "older", now.Add(-time.Minute), 0)
	createJob(jobs, "newer", now, 0)

	d.Tick(context.Background())
	got, _ := jobs.Get(older.ID)
	if got.Status != farm.StatusDispatched {
		t.Fatalf("oldest job should dispatch first, got %s", got.Status)
	}
}

func TestTickIsDeterministicForFixedSnapshot(t *testing.T) {
	now := time.Now().UTC()
	run := func() map[string]string {
		client := &fakeClient{}
		d, jobs, workers := newDispatcher(client)
		addWorker(workers, "bos01")
		addWorker(workers, "bos02")

		var created []farm.Job
		for i := 0; i < 4; i++ {
			created = append(created, jobs.Create(farm.Job{
				ID:        fmt.Sprintf("job-%d", i),
				Kind:      farm.KindBinaryBuild,
				Target:    farm.Target{Arch: "amd64", Series: "noble"},
				CreatedAt: now,
			}))
		}
		d.Tick(context.Background())

		pairing := make(map[string]string)
		for _, job := range created {
			got, _ := jobs.Get(job.ID)
			pairing[job.ID] = got.Worker
		}
		return pairing
	}

	first := run()
	for i := 0; i < 5; i++ {
		if again := run(); fmt.Sprint(again) != fmt.Sprint(first) {
			t.Fatalf("pairing changed between runs: %v vs %v", first, again)
		}
	}
}

func TestTickSkipsIncapableWorkers(t *testing.T) {
	client := &fakeClient{}
	d, jobs, workers := newDispatcher(client)
	workers.Add(farm.Worker{Name: "arm01", Endpoint: "http://arm01.test", Arches: []string{"arm64"}})

	job := createJob(jobs, "hello", time.Now().UTC(), 0)
	if n := d.Tick(context.Background()); n != 0 {
		t.Fatalf("expected no dispatch, got %d", n)
	}
	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusPending {
		t.Fatalf("unsatisfiable job must stay pending, got %s", got.Status)
	}
}

func TestConcurrentTicksNeverDoubleAssign(t *testing.T) {
	client := &fakeClient{}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Tick(context.Background())
		}()
	}
	wg.Wait()

	if cookies := client.startedCookies(); len(cookies) != 1 {
		t.Fatalf("job started %d times, want exactly once", len(cookies))
	}
	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusDispatched {
		t.Fatalf("expected DISPATCHED, got %s", got.Status)
	}
}

func TestSendFailureRequeuesJobAndQuarantinesWorker(t *testing.T) {
	client := &fakeClient{
		startFailures: -1,
		startErr:      fmt.Errorf("%w: connection refused", workerapi.ErrUnreachable),
	}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)

	if n := d.Tick(context.Background()); n != 0 {
		t.Fatalf("expected no successful dispatch, got %d", n)
	}

	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusPending || got.Worker != "" {
		t.Fatalf("job must revert to PENDING, got %s on %q", got.Status, got.Worker)
	}
	w, _ := workers.Get("bos01")
	if w.Health != farm.HealthQuarantined {
		t.Fatalf("unreachable worker should be quarantined, got %s", w.Health)
	}
	if w.Assigned != "" {
		t.Fatalf("worker assignment must be released, holds %q", w.Assigned)
	}
}

func TestSendRetriesTransientFault(t *testing.T) {
	client := &fakeClient{
		startFailures: 1,
		startErr:      fmt.Errorf("%w: timeout", workerapi.ErrUnreachable),
	}
	d, jobs, workers := newDispatcher(client)
	d.WithSendRetry(3, 0)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)

	// First attempt fails, the retry within the same tick succeeds.
	if n := d.Tick(context.Background()); n != 1 {
		t.Fatalf("expected dispatch after retry, got %d", n)
	}
	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusDispatched {
		t.Fatalf("expected DISPATCHED, got %s", got.Status)
	}
}

func TestSendDoesNotRetryRejection(t *testing.T) {
	client := &fakeClient{
		startFailures: -1,
		startErr:      fmt.Errorf("%w: at capacity", workerapi.ErrRejected),
	}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)

	d.Tick(context.Background())

	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusPending {
		t.Fatalf("rejected job must requeue, got %s", got.Status)
	}
	w, _ := workers.Get("bos01")
	if w.Health != farm.HealthQuarantined {
		t.Fatalf("a refusing worker must be quarantined, got %s", w.Health)
	}
}

func TestRejectionDoesNotRepeatPairing(t *testing.T) {
	client := &fakeClient{
		startFailures: -1,
		startErr:      fmt.Errorf("%w: at capacity", workerapi.ErrRejected),
	}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)

	for i := 0; i < 5; i++ {
		d.Tick(context.Background())
	}

	// One refused attempt: afterwards the worker is out of the idle
	// pool, so later ticks never retry the same pairing.
	client.mu.Lock()
	attempts := client.startCalls
	client.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("expected a single start attempt, got %d", attempts)
	}
	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusPending {
		t.Fatalf("job should wait for another worker, got %s", got.Status)
	}
}

func TestCancelPendingIsImmediate(t *testing.T) {
	client := &fakeClient{}
	d, jobs, _ := newDispatcher(client)
	job := createJob(jobs, "hello", time.Now().UTC(), 0)

	got, err := d.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != farm.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if len(client.aborted) != 0 {
		t.Fatal("no abort should be sent for a pending job")
	}
}

func TestCancelDispatchedSendsAbort(t *testing.T) {
	client := &fakeClient{}
	d, jobs, workers := newDispatcher(client)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)
	d.Tick(context.Background())

	got, err := d.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != farm.StatusDispatched || !got.CancelRequested {
		t.Fatalf("expected cancel intent on a dispatched job, got %s requested=%v", got.Status, got.CancelRequested)
	}
	if len(client.aborted) != 1 || client.aborted[0] != job.Cookie {
		t.Fatalf("expected one abort for %s, got %v", job.Cookie, client.aborted)
	}
}

func TestPollBusyAnnouncesCompletion(t *testing.T) {
	client := &fakeClient{}
	sink := &fakeSink{}
	d, jobs, workers := newDispatcher(client)
	d.WithSink(sink)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)
	d.Tick(context.Background())

	client.mu.Lock()
	client.statusReport = farm.Report{Cookie: job.Cookie, Status: "OK"}
	client.mu.Unlock()

	d.PollBusy(context.Background())
	if len(sink.reports) != 1 || sink.reports[0].Cookie != job.Cookie {
		t.Fatalf("expected completion announced, got %v", sink.reports)
	}
}

func TestPollBusyRequeuesJobFromLostWorker(t *testing.T) {
	client := &fakeClient{}
	sink := &fakeSink{}
	d, jobs, workers := newDispatcher(client)
	d.WithSink(sink)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)
	d.Tick(context.Background())

	client.mu.Lock()
	client.statusErr = fmt.Errorf("%w: no route to host", workerapi.ErrUnreachable)
	client.mu.Unlock()

	d.PollBusy(context.Background())

	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusPending {
		t.Fatalf("job on a lost worker must requeue, got %s", got.Status)
	}
	w, _ := workers.Get("bos01")
	if w.Health != farm.HealthQuarantined || w.Assigned != "" {
		t.Fatalf("lost worker should be quarantined and idle, got %s %q", w.Health, w.Assigned)
	}
}

func TestPollBusyLeavesUploadingJobToIntake(t *testing.T) {
	client := &fakeClient{}
	sink := &fakeSink{}
	d, jobs, workers := newDispatcher(client)
	d.WithSink(sink)
	addWorker(workers, "bos01")
	job := createJob(jobs, "hello", time.Now().UTC(), 0)
	d.Tick(context.Background())

	// A completion report arrived; intake owns the job now.
	if err := jobs.MarkUploading(job.ID); err != nil {
		t.Fatalf("mark uploading: %v", err)
	}

	client.mu.Lock()
	client.statusErr = fmt.Errorf("%w: no route to host", workerapi.ErrUnreachable)
	client.mu.Unlock()

	d.PollBusy(context.Background())

	got, _ := jobs.Get(job.ID)
	if got.Status != farm.StatusUploading {
		t.Fatalf("uploading job must not be rewound by the scheduler, got %s", got.Status)
	}
	w, _ := workers.Get("bos01")
	if w.Health != farm.HealthQuarantined {
		t.Fatalf("lost worker should still be quarantined, got %s", w.Health)
	}
}
