package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veldt/buildfarm/pkg/behavior"
	"github.com/veldt/buildfarm/pkg/config"
	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/fetcher"
	"github.com/veldt/buildfarm/pkg/intake"
	"github.com/veldt/buildfarm/pkg/librarian"
	"github.com/veldt/buildfarm/pkg/queue"
	"github.com/veldt/buildfarm/pkg/telemetry"
)

type server struct {
	jobs        *farm.JobStore
	incomingDir string
	logger      *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadIntake()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "buildfarm-intaked",
		telemetry.WithSampleRatio(cfg.TraceSample))
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown", "error", err)
		}
	}()

	ref, err := behavior.LoadReferenceData(cfg.ReferencePath)
	if err != nil {
		logger.Error("failed to load reference data", "path", cfg.ReferencePath, "error", err)
		os.Exit(1)
	}
	behaviors := behavior.Default(ref)

	jobs := farm.NewJobStore().WithLogger(logger)
	if cfg.DatabaseURL != "" {
		mirror, err := farm.NewPGStore(cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database mirror", "error", err)
			os.Exit(1)
		}
		defer mirror.Close()
		jobs.WithMirror(mirror)

		restored, err := mirror.ListJobs()
		if err != nil {
			logger.Error("restore jobs from mirror", "error", err)
		} else {
			for _, job := range restored {
				jobs.Restore(job)
			}
			logger.Info("jobs restored from mirror", "count", len(restored))
		}
	}

	// Releases on accept/reject only touch workers this registry
	// knows about; a standalone intake daemon runs with an empty one.
	workers := farm.NewRegistry()

	store := librarian.NewClient(cfg.LibrarianURL)
	pipeline := intake.NewPipeline(jobs, workers, behaviors, store, cfg.IncomingDir, cfg.FailedDir).
		WithLogger(logger).
		WithFetcher(fetcher.NewAgent(cfg.FetchHelper), 5*time.Minute)

	arrivals, err := queue.NewArrivals(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer arrivals.Close()

	scanner := intake.NewScanner(pipeline, jobs, arrivals).
		WithLogger(logger).
		WithIntervals(5*time.Second, cfg.SweepInterval)
	go scanner.Run(ctx)

	srv := &server{jobs: jobs, incomingDir: cfg.IncomingDir, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	router.Get("/api/uploads", srv.handleListUploads)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("intaked listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type uploadSummary struct {
	Cookie     string    `json:"cookie"`
	JobID      string    `json:"jobId,omitempty"`
	JobStatus  string    `json:"jobStatus,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// handleListUploads lists the bundles currently waiting in the
// incoming directory, matched against job state where possible.
func (s *server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.incomingDir)
	if err != nil {
		if os.IsNotExist(err) {
			respondJSON(w, map[string]any{"uploads": []uploadSummary{}, "total": 0}, http.StatusOK)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	uploads := make([]uploadSummary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		summary := uploadSummary{Cookie: e.Name()}
		if info, err := e.Info(); err == nil {
			summary.ReceivedAt = info.ModTime().UTC()
		}
		if job, ok := s.jobs.ByCookie(e.Name()); ok {
			summary.JobID = job.ID
			summary.JobStatus = string(job.Status)
		}
		uploads = append(uploads, summary)
	}
	respondJSON(w, map[string]any{"uploads": uploads, "total": len(uploads)}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
