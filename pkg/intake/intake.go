// Package intake consumes completion reports and upload bundles,
// decides ACCEPTED or REJECTED per job, and commits artifacts to the
// durable store exactly once. Processing of a single job is serialized
// on its cookie; different jobs proceed concurrently.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veldt/buildfarm/pkg/behavior"
	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/fetcher"
	"github.com/veldt/buildfarm/pkg/librarian"
)

// ErrRetryLater indicates an infrastructural fault: the job stays in
// UPLOADING and a later pass retries the same report. Never a
// rejection.
var ErrRetryLater = errors.New("transient storage fault, intake will retry")

// ErrUnknownCookie indicates a report or bundle that matches no job.
var ErrUnknownCookie = errors.New("unknown job cookie")

const internalErrorReason = "Internal error while processing completion report"

// Pipeline validates and commits upload bundles.
type Pipeline struct {
	jobs      *farm.JobStore
	workers   *farm.Registry
	behaviors *behavior.Registry
	store     librarian.Storer

	incomingDir string
	failedDir   string

	fetch        *fetcher.Agent
	fetchTimeout time.Duration

	retryAttempts int
	retryBackoff  time.Duration

	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	locks    map[string]*cookieLock
	retained map[string]farm.Report
}

// cookieLock serializes work on one cookie. The reference count lets
// lockCookie prune the map entry once nobody holds or waits for it.
type cookieLock struct {
	mu   sync.Mutex
	refs int
}

func NewPipeline(jobs *farm.JobStore, workers *farm.Registry, behaviors *behavior.Registry, store librarian.Storer, incomingDir, failedDir string) *Pipeline {
	return &Pipeline{
		jobs:          jobs,
		workers:       workers,
		behaviors:     behaviors,
		store:         store,
		incomingDir:   incomingDir,
		failedDir:     failedDir,
		retryAttempts: 3,
		retryBackoff:  2 * time.Second,
		logger:        slog.Default(),
		tracer:        otel.Tracer("buildfarm/intake"),
		locks:         make(map[string]*cookieLock),
		retained:      make(map[string]farm.Report),
	}
}

// WithLogger overrides the default slog logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	p.logger = logger
	return p
}

// WithRetry overrides the storage retry policy; tests shrink it.
func (p *Pipeline) WithRetry(attempts int, backoff time.Duration) *Pipeline {
	p.retryAttempts = attempts
	p.retryBackoff = backoff
	return p
}

// WithFetcher enables pulling artifacts named by a report's
// artifact_url metadata, for workers and CI systems that do not push
// their bundles.
func (p *Pipeline) WithFetcher(agent *fetcher.Agent, timeout time.Duration) *Pipeline {
	p.fetch = agent
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	p.fetchTimeout = timeout
	return p
}

// Process handles one completion report. Safe to call twice with the
// same report: the second call observes a terminal job and is a no-op.
func (p *Pipeline) Process(ctx context.Context, report farm.Report) (farm.Job, error) {
	unlock := p.lockCookie(report.Cookie)
	defer unlock()

	ctx, span := p.tracer.Start(ctx, "intake.process",
		trace.WithAttributes(attribute.String("cookie", report.Cookie)))
	defer span.End()

	job, ok := p.jobs.ByCookie(report.Cookie)
	if !ok {
		return farm.Job{}, fmt.Errorf("%w: %s", ErrUnknownCookie, report.Cookie)
	}
	span.SetAttributes(attribute.String("job", job.ID), attribute.String("kind", string(job.Kind)))

	if job.Status.Terminal() {
		p.logger.Info("duplicate report for terminal job ignored", "job", job.ID, "status", job.Status)
		p.discardBundle(job.Cookie)
		return job, nil
	}

	if job.CancelRequested {
		p.logger.Info("late report for cancelled job discarded", "job", job.ID)
		p.discardBundle(job.Cookie)
		p.finish(job, farm.StatusCancelled, farm.OutcomeCancelled, "Cancelled; late completion report discarded")
		return p.current(job.ID), nil
	}

	b, err := p.behaviors.Resolve(job.Kind)
	if err != nil {
		p.logger.Error("no behavior for job kind", "job", job.ID, "kind", job.Kind, "error", err)
		p.rejectWithBundle(job, farm.OutcomeFailedBuild, internalErrorReason)
		return p.current(job.ID), nil
	}

	outcome, err := b.InterpretCompletion(job, report)
	if err != nil {
		p.logger.Error("malformed completion report", "job", job.ID, "status", report.Status, "error", err)
		p.rejectWithBundle(job, farm.OutcomeFailedBuild, internalErrorReason)
		return p.current(job.ID), nil
	}

	if err := p.jobs.MarkUploading(job.ID); err != nil {
		if errors.Is(err, farm.ErrTerminal) {
			return p.current(job.ID), nil
		}
		return farm.Job{}, err
	}
	p.retainLog(job.ID, report.LogTail)

	switch outcome {
	case farm.OutcomeSucceeded:
		return p.accept(ctx, job, b, report)
	case farm.OutcomeCancelled:
		p.discardBundle(job.Cookie)
		p.finish(job, farm.StatusCancelled, outcome, "Worker reported the job aborted")
		return p.current(job.ID), nil
	case farm.OutcomeSuperseded:
		p.discardBundle(job.Cookie)
		p.finish(job, farm.StatusSuperseded, outcome, "Job superseded before completion")
		return p.current(job.ID), nil
	default:
		p.rejectWithBundle(job, outcome, failureReason(outcome))
		return p.current(job.ID), nil
	}
}

// accept runs the artifact commit path for a successful report.
func (p *Pipeline) accept(ctx context.Context, job farm.Job, b behavior.Behavior, report farm.Report) (farm.Job, error) {
	bundleDir, err := locateBundle(p.incomingDir, job.Cookie)
	if errors.Is(err, ErrNoBundle) {
		if ferr := p.fetchBundle(ctx, job, report); ferr != nil {
			if errors.Is(ferr, fetcher.ErrNetwork) || errors.Is(ferr, fetcher.ErrTimeout) {
				p.retainReport(report)
				p.logger.Error("artifact fetch failed, will retry", "job", job.ID, "error", ferr)
				return p.current(job.ID), fmt.Errorf("%w: %v", ErrRetryLater, ferr)
			}
			p.rejectWithBundle(job, farm.OutcomeFailedUpload, "No artifacts produced")
			return p.current(job.ID), nil
		}
		bundleDir, err = locateBundle(p.incomingDir, job.Cookie)
	}
	if err != nil {
		if errors.Is(err, ErrNoBundle) {
			p.rejectWithBundle(job, farm.OutcomeFailedUpload, "No artifacts produced")
			return p.current(job.ID), nil
		}
		p.rejectWithBundle(job, farm.OutcomeFailedUpload, err.Error())
		return p.current(job.ID), nil
	}

	if verr := b.VerifyArtifacts(job, bundleDir); verr != nil {
		p.rejectWithBundle(job, farm.OutcomeFailedUpload, verr.Error())
		return p.current(job.ID), nil
	}

	restricted := job.OwnerClass == "private"
	session := librarian.NewSession(p.store, restricted).WithRetry(p.retryAttempts, p.retryBackoff)

	var (
		attached []farm.Artifact
		commit   error
	)
	if job.Kind == farm.KindCIRun {
		attached, commit = p.commitSubUnits(ctx, job, bundleDir, session)
	} else {
		attached, commit = p.commitFlat(ctx, job, bundleDir, session)
	}

	if commit != nil {
		if rbErr := session.Rollback(ctx); rbErr != nil {
			p.logger.Error("session rollback incomplete", "job", job.ID, "error", rbErr)
		}
		p.jobs.DropArtifacts(job.ID)

		var rej *rejection
		if errors.As(commit, &rej) {
			p.rejectWithBundle(job, rej.outcome, rej.reason)
			return p.current(job.ID), nil
		}
		// Infrastructural fault: keep the job in UPLOADING, remember
		// the report, and let a later pass retry.
		p.retainReport(report)
		p.logger.Error("artifact commit failed, job left uploading", "job", job.ID, "error", commit)
		return p.current(job.ID), fmt.Errorf("%w: %v", ErrRetryLater, commit)
	}

	session.Commit()
	for _, artifact := range attached {
		p.jobs.RecordArtifact(artifact)
	}

	workerName := job.Worker
	if err := p.jobs.Finish(job.ID, farm.StatusAccepted, farm.OutcomeSucceeded,
		fmt.Sprintf("Upload committed (%d artifacts)", len(attached))); err != nil {
		if !errors.Is(err, farm.ErrTerminal) {
			return farm.Job{}, err
		}
	}
	if workerName != "" {
		p.workers.Release(workerName)
	}
	p.discardBundle(job.Cookie)
	p.clearRetained(job.Cookie)
	p.logger.Info("job accepted", "job", job.ID, "kind", job.Kind, "artifacts", len(attached))
	return p.current(job.ID), nil
}

// fetchBundle pulls the artifacts named by a report's artifact_url
// metadata into the incoming layout. The helper subprocess bounds the
// download in time and guarantees no partial file is left behind.
func (p *Pipeline) fetchBundle(ctx context.Context, job farm.Job, report farm.Report) error {
	if p.fetch == nil {
		return ErrNoBundle
	}
	rawURL := strings.TrimSpace(report.Metadata["artifact_url"])
	if rawURL == "" {
		return ErrNoBundle
	}

	name := path.Base(rawURL)
	if name == "." || name == "/" || name == "" {
		name = "artifact"
	}
	dest := filepath.Join(p.incomingDir, job.Cookie, "1", "fetched", name)
	if err := p.fetch.Fetch(ctx, rawURL, dest, p.fetchTimeout); err != nil {
		p.discardBundle(job.Cookie)
		return err
	}
	p.logger.Info("fetched remote artifact", "job", job.ID, "url", rawURL)
	return nil
}

// commitFlat attaches every file of a simple bundle through the
// session. Any error aborts the walk; the caller rolls back.
func (p *Pipeline) commitFlat(ctx context.Context, job farm.Job, bundleDir string, session *librarian.Session) ([]farm.Artifact, error) {
	files, err := listFiles(bundleDir)
	if err != nil {
		return nil, fmt.Errorf("list bundle files: %w", err)
	}

	var attached []farm.Artifact
	for _, name := range files {
		artifact, err := p.attachFile(ctx, job, "", bundleDir, name, session)
		if err != nil {
			return nil, err
		}
		attached = append(attached, artifact)
	}
	return attached, nil
}

func (p *Pipeline) attachFile(ctx context.Context, job farm.Job, subUnit, bundleDir, name string, session *librarian.Session) (farm.Artifact, error) {
	path := filepath.Join(bundleDir, filepath.FromSlash(name))
	info, err := os.Stat(path)
	if err != nil {
		return farm.Artifact{}, fmt.Errorf("stat %s: %w", name, err)
	}

	stored, err := session.Store(ctx, name, info.Size(), func() (io.ReadCloser, error) {
		return os.Open(path)
	}, contentType(name))
	if err != nil {
		return farm.Artifact{}, fmt.Errorf("store %s: %w", name, err)
	}

	return farm.Artifact{
		JobID:       job.ID,
		SubUnit:     subUnit,
		Name:        name,
		Ref:         string(stored.Ref),
		Size:        stored.Size,
		ContentType: stored.ContentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// rejection is a commit error that means REJECTED rather than retry.
type rejection struct {
	outcome farm.Outcome
	reason  string
}

func (r *rejection) Error() string { return r.reason }

// rejectWithBundle records a terminal rejection, frees the worker, and
// quarantines whatever bundle exists so it is never re-processed.
func (p *Pipeline) rejectWithBundle(job farm.Job, outcome farm.Outcome, reason string) {
	p.quarantineBundle(job.Cookie)
	p.finish(job, farm.StatusRejected, outcome, reason)
}

func (p *Pipeline) finish(job farm.Job, status farm.JobStatus, outcome farm.Outcome, reason string) {
	workerName := job.Worker
	if err := p.jobs.Finish(job.ID, status, outcome, reason); err != nil {
		if errors.Is(err, farm.ErrTerminal) {
			return
		}
		p.logger.Error("finish job failed", "job", job.ID, "error", err)
		return
	}
	if workerName != "" {
		p.workers.Release(workerName)
	}
	p.clearRetained(job.Cookie)
	if status == farm.StatusRejected {
		p.logger.Info("job rejected", "job", job.ID, "kind", job.Kind, "reason", reason)
	} else {
		p.logger.Info("job finished", "job", job.ID, "status", status)
	}
}

// failureReason renders a worker-reported failure outcome as a stable,
// greppable reason string.
func failureReason(outcome farm.Outcome) string {
	switch outcome {
	case farm.OutcomeFailedDependency:
		return "Build failed: missing build dependencies"
	case farm.OutcomeFailedChroot:
		return "Build failed: could not set up build environment"
	case farm.OutcomeFailedUpload:
		return "Build failed: worker could not deliver artifacts"
	default:
		return "Build failed on worker"
	}
}

func (p *Pipeline) retainLog(jobID, logTail string) {
	if logTail == "" {
		return
	}
	p.jobs.AppendLog(jobID, logTail)
}

func (p *Pipeline) current(jobID string) farm.Job {
	job, _ := p.jobs.Get(jobID)
	return job
}

func (p *Pipeline) lockCookie(cookie string) func() {
	p.mu.Lock()
	lock, ok := p.locks[cookie]
	if !ok {
		lock = &cookieLock{}
		p.locks[cookie] = lock
	}
	lock.refs++
	p.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(p.locks, cookie)
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) retainReport(report farm.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retained[report.Cookie] = report
}

// RetainedReport returns the remembered report for a job stuck in
// UPLOADING, if any.
func (p *Pipeline) RetainedReport(cookie string) (farm.Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report, ok := p.retained[cookie]
	return report, ok
}

func (p *Pipeline) clearRetained(cookie string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retained, cookie)
}
