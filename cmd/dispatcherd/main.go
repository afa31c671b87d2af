package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veldt/buildfarm/pkg/auth"
	"github.com/veldt/buildfarm/pkg/behavior"
	"github.com/veldt/buildfarm/pkg/config"
	"github.com/veldt/buildfarm/pkg/dispatcher"
	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/queue"
	"github.com/veldt/buildfarm/pkg/resetter"
	"github.com/veldt/buildfarm/pkg/telemetry"
	"github.com/veldt/buildfarm/pkg/workerapi"
)

type server struct {
	jobs       *farm.JobStore
	workers    *farm.Registry
	dispatcher *dispatcher.Dispatcher
	resetter   *resetter.Resetter
	logger     *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadDispatcher()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "buildfarm-dispatcherd",
		telemetry.WithSampleRatio(cfg.TraceSample))
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown", "error", err)
		}
	}()

	workers, err := farm.LoadFleet(cfg.FleetPath)
	if err != nil {
		logger.Error("failed to load fleet", "path", cfg.FleetPath, "error", err)
		os.Exit(1)
	}
	logger.Info("fleet loaded", "workers", len(workers.List()))

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
		restoreJobs(jobs, mirror, logger)
	}

	client := workerapi.NewClient(cfg.WorkerTimeout)
	disp := dispatcher.New(jobs, workers, behaviors, client).WithLogger(logger)

	arrivals, err := queue.NewArrivals(cfg.RedisURL)
	if err != nil {
		logger.Error("redis unavailable, busy-worker polling disabled", "error", err)
	} else {
		defer arrivals.Close()
		disp.WithSink(arrivals)
	}

	script, err := os.ReadFile(cfg.ResetScriptPath)
	if err != nil {
		logger.Error("reset script missing, worker resets disabled", "path", cfg.ResetScriptPath, "error", err)
	}
	reset := resetter.New(workers, script, logger)

	go disp.Run(ctx, cfg.TickInterval)

	srv := &server{jobs: jobs, workers: workers, dispatcher: disp, resetter: reset, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	router.Route("/api", func(r chi.Router) {
		r.Get("/jobs", srv.handleListJobs)
		r.Get("/jobs/{jobID}", srv.handleGetJob)
		r.Get("/jobs/{jobID}/events", srv.handleJobEvents)
		r.Get("/jobs/{jobID}/logs", srv.handleJobLogs)
		r.Get("/workers", srv.handleListWorkers)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireKey(cfg.AdminKey))
			r.Post("/jobs", srv.handleCreateJob)
			r.Post("/jobs/{jobID}/cancel", srv.handleCancelJob)
			r.Post("/jobs/{jobID}/boost", srv.handleBoostJob)
			r.Post("/workers/{name}/health", srv.handleWorkerHealth)
			r.Post("/workers/{name}/reset", srv.handleWorkerReset)
		})
	})

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

	logger.Info("dispatcherd listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func restoreJobs(jobs *farm.JobStore, mirror *farm.PGStore, logger *slog.Logger) {
	restored, err := mirror.ListJobs()
	if err != nil {
		logger.Error("restore jobs from mirror", "error", err)
		return
	}
	for _, job := range restored {
		jobs.Restore(job)
	}
	logger.Info("jobs restored from mirror", "count", len(restored))
}

type createJobRequest struct {
	Kind         farm.JobKind `json:"kind"`
	Target       farm.Target  `json:"target"`
	Source       string       `json:"source"`
	OwnerClass   string       `json:"ownerClass"`
	Virtualized  bool         `json:"virtualized"`
	ResourceTags []string     `json:"resourceTags"`
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Kind == "" || req.Source == "" || req.Target.Arch == "" {
		respondError(w, http.StatusBadRequest, "kind, source and target.arch are required")
		return
	}

	job := s.jobs.Create(farm.Job{
		Kind:         req.Kind,
		Target:       req.Target,
		Source:       req.Source,
		OwnerClass:   req.OwnerClass,
		Virtualized:  req.Virtualized,
		ResourceTags: req.ResourceTags,
	})
	s.logger.Info("job created", "job", job.ID, "kind", job.Kind)
	respondJSON(w, job, http.StatusCreated)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	respondJSON(w, map[string]any{"jobs": jobs, "total": len(jobs)}, http.StatusOK)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, job, http.StatusOK)
}

func (s *server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok := s.jobs.Get(jobID); !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, s.jobs.Events(jobID), http.StatusOK)
}

// handleJobLogs streams the job's log tail as server-sent events,
// starting with the retained excerpt.
func (s *server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ch, err := s.jobs.Subscribe(jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	defer s.jobs.Unsubscribe(jobID, ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		switch {
		case errors.Is(err, farm.ErrJobNotFound):
			respondError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, farm.ErrTerminal):
			respondError(w, http.StatusConflict, "job already finished")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, job, http.StatusAccepted)
}

func (s *server) handleBoostJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	job, err := s.jobs.Boost(chi.URLParam(r, "jobID"), req.Delta)
	if err != nil {
		switch {
		case errors.Is(err, farm.ErrJobNotFound):
			respondError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, farm.ErrTerminal):
			respondError(w, http.StatusConflict, "job already finished")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, job, http.StatusOK)
}

func (s *server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"workers": s.workers.List()}, http.StatusOK)
}

func (s *server) handleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Health farm.WorkerHealth `json:"health"`
		Reason string            `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	switch req.Health {
	case farm.HealthHealthy, farm.HealthQuarantined, farm.HealthDisabled:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown health %q", req.Health))
		return
	}

	name := chi.URLParam(r, "name")
	if err := s.workers.SetHealth(name, req.Health, req.Reason); err != nil {
		respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	worker, _ := s.workers.Get(name)
	respondJSON(w, worker, http.StatusOK)
}

func (s *server) handleWorkerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	worker, ok := s.workers.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	if !worker.Virtualized {
		respondError(w, http.StatusConflict, "worker is not virtualized")
		return
	}
	s.resetter.ResetAsync(name)
	respondJSON(w, map[string]string{"message": "reset started"}, http.StatusAccepted)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
