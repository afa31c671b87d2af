// Package dispatcher runs the scheduling loop: it matches pending jobs
// to healthy, idle, capable workers and delivers start commands. Job
// and worker state changes stay atomic against concurrent ticks; the
// send to the worker happens after both sides are committed, and is
// unwound on failure.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veldt/buildfarm/pkg/behavior"
	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/workerapi"
)

// WorkerClient is the slice of the worker API the dispatcher needs.
// Satisfied by *workerapi.Client; tests substitute fakes.
type WorkerClient interface {
	StartJob(ctx context.Context, endpoint string, cmd farm.StartCommand) error
	Status(ctx context.Context, endpoint string) (farm.Report, error)
	Abort(ctx context.Context, endpoint, cookie string) error
}

// CompletionSink receives completion reports observed while polling
// busy workers. Satisfied by *queue.Arrivals.
type CompletionSink interface {
	Announce(ctx context.Context, report farm.Report) error
}

// Dispatcher matches pending jobs to idle workers.
type Dispatcher struct {
	jobs      *farm.JobStore
	workers   *farm.Registry
	behaviors *behavior.Registry
	client    WorkerClient
	sink      CompletionSink

	sendAttempts int
	sendBackoff  time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(jobs *farm.JobStore, workers *farm.Registry, behaviors *behavior.Registry, client WorkerClient) *Dispatcher {
	return &Dispatcher{
		jobs:         jobs,
		workers:      workers,
		behaviors:    behaviors,
		client:       client,
		sendAttempts: 3,
		sendBackoff:  time.Second,
		logger:       slog.Default(),
		tracer:       otel.Tracer("buildfarm/dispatcher"),
		now:          time.Now,
	}
}

// WithLogger overrides the default slog logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithSink attaches a completion sink fed by busy-worker polling.
func (d *Dispatcher) WithSink(sink CompletionSink) *Dispatcher {
	d.sink = sink
	return d
}

// WithSendRetry overrides the start-command retry policy; tests shrink it.
func (d *Dispatcher) WithSendRetry(attempts int, backoff time.Duration) *Dispatcher {
	if attempts > 0 {
		d.sendAttempts = attempts
	}
	d.sendBackoff = backoff
	return d
}

// Tick runs one scheduling pass and returns the number of jobs
// dispatched. Safe to call concurrently: the claim and reserve
// operations are atomic, so two ticks can never double-assign.
func (d *Dispatcher) Tick(ctx context.Context) int {
	ctx, span := d.tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	now := d.now().UTC()
	ranked := rank(d.jobs.Pending(), now)
	idle := d.workers.Idle()
	sort.Slice(idle, func(i, j int) bool { return idle[i].Name < idle[j].Name })

	span.SetAttributes(
		attribute.Int("pending", len(ranked)),
		attribute.Int("idle_workers", len(idle)),
	)

	dispatched := 0
	taken := make(map[string]bool)
	for _, worker := range idle {
		job, ok := pickJob(ranked, taken, worker)
		if !ok {
			continue
		}
		if err := d.dispatch(ctx, job, worker); err != nil {
			d.logger.Error("dispatch failed", "job", job.ID, "worker", worker.Name, "error", err)
			continue
		}
		taken[job.ID] = true
		dispatched++
	}

	if unmatched := len(ranked) - dispatched; unmatched > 0 {
		d.logger.Info("jobs waiting for capacity", "pending", unmatched)
	}
	span.SetAttributes(attribute.Int("dispatched", dispatched))
	return dispatched
}

// pickJob returns the highest-ranked job this worker can run that no
// other worker took this tick.
func pickJob(ranked []farm.Job, taken map[string]bool, worker farm.Worker) (farm.Job, bool) {
	for _, job := range ranked {
		if taken[job.ID] {
			continue
		}
		if worker.CanRun(&job) {
			return job, true
		}
	}
	return farm.Job{}, false
}

// dispatch commits the assignment and delivers the start command. The
// order is claim, reserve, send: each step unwinds its predecessors on
// failure.
func (d *Dispatcher) dispatch(ctx context.Context, job farm.Job, worker farm.Worker) error {
	b, err := d.behaviors.Resolve(job.Kind)
	if err != nil {
		return err
	}
	cmd, err := b.BuildStartCommand(job)
	if err != nil {
		return fmt.Errorf("build start command: %w", err)
	}

	if err := d.jobs.ClaimForDispatch(job.ID, worker.Name); err != nil {
		return err
	}
	if err := d.workers.Reserve(worker.Name, job.ID); err != nil {
		if revertErr := d.jobs.RevertToPending(job.ID, "Worker reservation lost"); revertErr != nil {
			d.logger.Error("revert after reserve failure", "job", job.ID, "error", revertErr)
		}
		return err
	}

	if err := d.send(ctx, worker.Endpoint, cmd); err != nil {
		d.workers.Release(worker.Name)
		if revertErr := d.jobs.RevertToPending(job.ID, "Start command undeliverable, requeued"); revertErr != nil {
			d.logger.Error("revert after send failure", "job", job.ID, "error", revertErr)
		}
		// A worker that refuses work is as unusable as one that does
		// not answer; leaving it healthy would re-pair it with the
		// same job every tick.
		if errors.Is(err, workerapi.ErrUnreachable) || errors.Is(err, workerapi.ErrRejected) {
			if qErr := d.workers.SetHealth(worker.Name, farm.HealthQuarantined, err.Error()); qErr != nil {
				d.logger.Error("quarantine worker", "worker", worker.Name, "error", qErr)
			}
		}
		return err
	}

	d.logger.Info("job dispatched", "job", job.ID, "kind", job.Kind, "worker", worker.Name)
	return nil
}

// send delivers a start command with bounded retries. Only transport
// failures are retried; a worker that answers and refuses gets no
// second chance this tick.
func (d *Dispatcher) send(ctx context.Context, endpoint string, cmd farm.StartCommand) error {
	var lastErr error
	for attempt := 0; attempt < d.sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.sendBackoff):
			}
		}
		lastErr = d.client.StartJob(ctx, endpoint, cmd)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, workerapi.ErrUnreachable) {
			return lastErr
		}
	}
	return lastErr
}

// Cancel cancels a job. Pending jobs cancel immediately; for a
// dispatched job the intent is recorded and the worker gets a
// best-effort abort, with the final state settled by intake.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (farm.Job, error) {
	job, ok := d.jobs.Get(jobID)
	if !ok {
		return farm.Job{}, farm.ErrJobNotFound
	}

	immediate, err := d.jobs.RequestCancel(jobID)
	if err != nil {
		return farm.Job{}, err
	}
	if !immediate && job.Worker != "" {
		if worker, ok := d.workers.Get(job.Worker); ok {
			if err := d.client.Abort(ctx, worker.Endpoint, job.Cookie); err != nil {
				d.logger.Error("worker abort failed", "job", jobID, "worker", job.Worker, "error", err)
			}
		}
	}
	updated, _ := d.jobs.Get(jobID)
	return updated, nil
}

// PollBusy asks each assigned worker for its status and announces any
// finished job to the completion sink. A worker that stops answering
// while holding a job is quarantined; its job is requeued so another
// worker can pick it up.
func (d *Dispatcher) PollBusy(ctx context.Context) {
	if d.sink == nil {
		return
	}
	for _, worker := range d.workers.List() {
		if worker.Assigned == "" {
			continue
		}
		report, err := d.client.Status(ctx, worker.Endpoint)
		if err != nil {
			d.logger.Error("status poll failed", "worker", worker.Name, "error", err)
			d.handleLostWorker(worker)
			continue
		}
		if report.Status == "" || report.Cookie == "" {
			continue
		}
		if err := d.sink.Announce(ctx, report); err != nil {
			d.logger.Error("announce completion failed", "worker", worker.Name, "error", err)
		}
	}
}

func (d *Dispatcher) handleLostWorker(worker farm.Worker) {
	if err := d.workers.SetHealth(worker.Name, farm.HealthQuarantined, "stopped answering status polls"); err != nil {
		d.logger.Error("quarantine worker", "worker", worker.Name, "error", err)
		return
	}
	d.workers.Release(worker.Name)
	// Only a still-DISPATCHED job is requeued. Once a completion
	// report moved it to UPLOADING, intake owns the job and may be
	// committing the first build's artifacts right now.
	if worker.Assigned != "" {
		if job, ok := d.jobs.Get(worker.Assigned); ok && job.Status == farm.StatusDispatched {
			if err := d.jobs.RevertToPending(worker.Assigned, "Worker lost, requeued"); err != nil {
				d.logger.Error("requeue job from lost worker", "job", worker.Assigned, "error", err)
			}
		}
	}
	d.logger.Info("worker quarantined", "worker", worker.Name)
}

// Run drives Tick and PollBusy on a fixed interval until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
			d.PollBusy(ctx)
		}
	}
}
