package farm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound indicates the job ID is unknown to the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotPending indicates a dispatch claim raced with another writer.
	ErrNotPending = errors.New("job is not pending")
	// ErrTerminal indicates an attempted transition out of a terminal state.
	ErrTerminal = errors.New("job already in a terminal state")
)

// maxLogTail bounds the in-memory log excerpt kept per job.
const maxLogTail = 200

// Recorder mirrors job lifecycle data into durable storage. Mirror
// failures never block scheduling or intake; they are logged and dropped.
type Recorder interface {
	UpsertJob(job Job) error
	AppendEvent(event JobEvent) error
	RecordArtifact(artifact Artifact) error
	DeleteArtifacts(jobID string) error
}

type subscriber chan string

type jobRecord struct {
	job         Job
	events      []JobEvent
	logs        []string
	subscribers []subscriber
}

// JobStore keeps job records in memory, guards every state transition,
// and supports log-tail subscriptions. It is the single authority for
// the PENDING→DISPATCHED and DISPATCHED/UPLOADING→terminal writes.
type JobStore struct {
	mu     sync.RWMutex
	items  map[string]*jobRecord
	cookie map[string]string

	mirror Recorder
	logger *slog.Logger
}

func NewJobStore() *JobStore {
	return &JobStore{
		items:  make(map[string]*jobRecord),
		cookie: make(map[string]string),
		logger: slog.Default(),
	}
}

// WithMirror attaches a durable recorder; lifecycle writes are copied to
// it best-effort.
func (s *JobStore) WithMirror(rec Recorder) *JobStore {
	s.mirror = rec
	return s
}

// WithLogger overrides the default slog logger.
func (s *JobStore) WithLogger(logger *slog.Logger) *JobStore {
	s.logger = logger
	return s
}

// Create registers a new job in state PENDING. Missing identity fields
// are filled in.
func (s *JobStore) Create(job Job) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Cookie == "" {
		job.Cookie = uuid.NewString()
	}
	job.Status = StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	rec := &jobRecord{job: job}
	s.items[job.ID] = rec
	s.cookie[job.Cookie] = job.ID
	s.appendEventLocked(rec, StatusPending, "Job created")
	s.mirrorJobLocked(rec)
	return rec.job
}

// Restore re-inserts a job as-is, preserving its status. Used at
// startup to rebuild in-memory state from the durable mirror.
func (s *JobStore) Restore(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" || job.Cookie == "" {
		return
	}
	s.items[job.ID] = &jobRecord{job: job}
	s.cookie[job.Cookie] = job.ID
}

func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// ByCookie resolves a job from the cookie embedded in an upload bundle
// path.
func (s *JobStore) ByCookie(cookie string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.cookie[cookie]
	if !ok {
		return Job{}, false
	}
	rec, ok := s.items[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

func (s *JobStore) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Job, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.job)
	}
	return result
}

// Pending returns all jobs currently eligible for scheduling.
func (s *JobStore) Pending() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Job
	for _, rec := range s.items {
		if rec.job.Status == StatusPending && !rec.job.CancelRequested {
			result = append(result, rec.job)
		}
	}
	return result
}

// ClaimForDispatch moves a job from PENDING to DISPATCHED and records
// the worker assignment. The check-and-set is atomic with respect to
// concurrent claims: the second caller gets ErrNotPending.
func (s *JobStore) ClaimForDispatch(id, workerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status != StatusPending || rec.job.CancelRequested {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, rec.job.Status)
	}
	now := time.Now().UTC()
	rec.job.Status = StatusDispatched
	rec.job.Worker = workerName
	rec.job.DispatchedAt = &now
	s.appendEventLocked(rec, StatusDispatched, "Dispatched to "+workerName)
	s.mirrorJobLocked(rec)
	return nil
}

// RevertToPending undoes a dispatch whose start command could not be
// delivered. Terminal jobs are left alone, and so are UPLOADING jobs:
// once a completion report has arrived, intake is the only writer.
func (s *JobStore) RevertToPending(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return ErrTerminal
	}
	if rec.job.Status == StatusUploading {
		return fmt.Errorf("job %s is %s, result intake owns it", id, StatusUploading)
	}
	rec.job.Status = StatusPending
	rec.job.Worker = ""
	rec.job.DispatchedAt = nil
	s.appendEventLocked(rec, StatusPending, reason)
	s.mirrorJobLocked(rec)
	return nil
}

// MarkUploading records that a completion report arrived and intake is
// validating the bundle. Only DISPATCHED jobs move to UPLOADING.
func (s *JobStore) MarkUploading(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return ErrTerminal
	}
	if rec.job.Status == StatusUploading {
		return nil
	}
	if rec.job.Status != StatusDispatched {
		return fmt.Errorf("job %s is %s, expected %s", id, rec.job.Status, StatusDispatched)
	}
	rec.job.Status = StatusUploading
	s.appendEventLocked(rec, StatusUploading, "Completion report received")
	s.mirrorJobLocked(rec)
	return nil
}

// Finish moves a job into a terminal state. Transitions out of a
// terminal state are refused, which makes intake idempotent.
func (s *JobStore) Finish(id string, status JobStatus, outcome Outcome, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	rec.job.Status = status
	rec.job.Outcome = outcome
	rec.job.RejectReason = ""
	if status == StatusRejected {
		rec.job.RejectReason = reason
	}
	rec.job.Worker = ""
	rec.job.FinishedAt = &now
	s.appendEventLocked(rec, status, reason)
	s.mirrorJobLocked(rec)
	return nil
}

// RequestCancel cancels a PENDING job immediately; for a DISPATCHED job
// it only records intent, and reports immediate=false so the caller can
// attempt a best-effort worker-side abort.
func (s *JobStore) RequestCancel(id string) (immediate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return false, ErrTerminal
	}
	if rec.job.Status == StatusPending {
		now := time.Now().UTC()
		rec.job.Status = StatusCancelled
		rec.job.Outcome = OutcomeCancelled
		rec.job.FinishedAt = &now
		s.appendEventLocked(rec, StatusCancelled, "Cancelled while pending")
		s.mirrorJobLocked(rec)
		return true, nil
	}
	rec.job.CancelRequested = true
	s.appendEventLocked(rec, rec.job.Status, "Cancellation requested")
	s.mirrorJobLocked(rec)
	return false, nil
}

// Boost adjusts the manual priority override of a pending job.
func (s *JobStore) Boost(id string, delta int) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return Job{}, ErrTerminal
	}
	rec.job.ManualBoost += delta
	s.mirrorJobLocked(rec)
	return rec.job, nil
}

// AppendLog appends a line to the job's bounded log tail and broadcasts
// it to live subscribers.
func (s *JobStore) AppendLog(id, line string) {
	s.mu.Lock()
	rec, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.logs = append(rec.logs, line)
	if len(rec.logs) > maxLogTail {
		rec.logs = rec.logs[len(rec.logs)-maxLogTail:]
	}
	subs := append([]subscriber(nil), rec.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- line:
		default:
		}
	}
}

// LogTail returns the retained log excerpt for a job.
func (s *JobStore) LogTail(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return nil
	}
	return append([]string(nil), rec.logs...)
}

// Subscribe returns a channel receiving future log lines, primed with
// the retained tail.
func (s *JobStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	ch := make(subscriber, maxLogTail+32)
	rec.subscribers = append(rec.subscribers, ch)
	for _, line := range rec.logs {
		select {
		case ch <- line:
		default:
		}
	}
	return ch, nil
}

// Unsubscribe removes one log stream and closes its channel.
func (s *JobStore) Unsubscribe(id string, ch <-chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for i, sub := range rec.subscribers {
		if (<-chan string)(sub) == ch {
			rec.subscribers = append(rec.subscribers[:i], rec.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// CloseSubscribers ends all log streams for a job.
func (s *JobStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
}

// Events returns the lifecycle trail for a job.
func (s *JobStore) Events(id string) []JobEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return nil
	}
	return append([]JobEvent(nil), rec.events...)
}

// RecordArtifact mirrors an attached artifact reference.
func (s *JobStore) RecordArtifact(artifact Artifact) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.RecordArtifact(artifact); err != nil {
		s.logger.Error("mirror artifact failed", "jobID", artifact.JobID, "error", err)
	}
}

// DropArtifacts removes mirrored artifact rows after a rollback.
func (s *JobStore) DropArtifacts(jobID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.DeleteArtifacts(jobID); err != nil {
		s.logger.Error("mirror artifact cleanup failed", "jobID", jobID, "error", err)
	}
}

func (s *JobStore) appendEventLocked(rec *jobRecord, status JobStatus, message string) {
	event := JobEvent{
		ID:        uuid.NewString(),
		JobID:     rec.job.ID,
		Status:    status,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	rec.events = append(rec.events, event)
	if s.mirror != nil {
		if err := s.mirror.AppendEvent(event); err != nil {
			s.logger.Error("mirror event failed", "jobID", rec.job.ID, "error", err)
		}
	}
}

func (s *JobStore) mirrorJobLocked(rec *jobRecord) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.UpsertJob(rec.job); err != nil {
		s.logger.Error("mirror job failed", "jobID", rec.job.ID, "error", err)
	}
}
