package intake

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/veldt/buildfarm/pkg/farm"
)

// ReportSource delivers completion reports. Satisfied by
// *queue.Arrivals; tests substitute fakes.
type ReportSource interface {
	Next(ctx context.Context, timeout time.Duration) (*farm.Report, error)
}

// Scanner drives the intake pipeline: it drains the arrivals queue and
// periodically sweeps the incoming directory for bundles the queue
// never announced (external CI deliveries, reports lost to a restart)
// and for jobs parked in UPLOADING by a transient storage fault.
type Scanner struct {
	pipeline *Pipeline
	jobs     *farm.JobStore
	source   ReportSource

	pollTimeout time.Duration
	sweepEvery  time.Duration

	logger *slog.Logger
}

func NewScanner(pipeline *Pipeline, jobs *farm.JobStore, source ReportSource) *Scanner {
	return &Scanner{
		pipeline:    pipeline,
		jobs:        jobs,
		source:      source,
		pollTimeout: 5 * time.Second,
		sweepEvery:  time.Minute,
		logger:      slog.Default(),
	}
}

// WithLogger overrides the default slog logger.
func (s *Scanner) WithLogger(logger *slog.Logger) *Scanner {
	s.logger = logger
	return s
}

// WithIntervals overrides the queue poll timeout and sweep period.
func (s *Scanner) WithIntervals(pollTimeout, sweepEvery time.Duration) *Scanner {
	if pollTimeout > 0 {
		s.pollTimeout = pollTimeout
	}
	if sweepEvery > 0 {
		s.sweepEvery = sweepEvery
	}
	return s
}

// Run blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	sweep := time.NewTicker(s.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.Sweep(ctx)
		default:
		}

		report, err := s.source.Next(ctx, s.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("arrivals queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pollTimeout):
			}
			continue
		}
		if report == nil {
			continue
		}
		s.process(ctx, *report)
	}
}

func (s *Scanner) process(ctx context.Context, report farm.Report) {
	_, err := s.pipeline.Process(ctx, report)
	switch {
	case err == nil:
	case errors.Is(err, ErrRetryLater):
		s.logger.Info("intake deferred, will retry on sweep", "cookie", report.Cookie)
	case errors.Is(err, ErrUnknownCookie):
		s.logger.Error("report matches no job", "cookie", report.Cookie)
	default:
		s.logger.Error("intake failed", "cookie", report.Cookie, "error", err)
	}
}

// Sweep reconciles on-disk bundles with job state. Announced and
// unannounced deliveries converge here because Process is idempotent.
func (s *Scanner) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(s.pipeline.incomingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("scan incoming dir failed", "error", err)
		}
		return
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cookie := e.Name()

		job, ok := s.jobs.ByCookie(cookie)
		if !ok {
			s.logger.Error("orphan bundle, no matching job", "cookie", cookie)
			continue
		}

		switch {
		case job.Status.Terminal():
			s.pipeline.discardBundle(cookie)
		case job.Status == farm.StatusUploading:
			if report, ok := s.pipeline.RetainedReport(cookie); ok {
				s.process(ctx, report)
			}
		case job.Status == farm.StatusDispatched && job.Kind == farm.KindCIRun:
			// External CI delivers bundles without a completion
			// report; the bundle's presence is the report.
			s.process(ctx, farm.Report{Cookie: cookie, Status: "SUCCEEDED"})
		}
	}
}
