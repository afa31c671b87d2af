package farm

import "time"

// JobKind tags the type of build-farm work a job represents.
type JobKind string

const (
	KindBinaryBuild JobKind = "binary-build"
	KindRecipeBuild JobKind = "recipe-build"
	KindImageBuild  JobKind = "image-build"
	KindCIRun       JobKind = "ci-run"
)

// JobStatus represents the lifecycle state of a job record.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusDispatched JobStatus = "DISPATCHED"
	StatusUploading  JobStatus = "UPLOADING"
	StatusAccepted   JobStatus = "ACCEPTED"
	StatusRejected   JobStatus = "REJECTED"
	StatusCancelled  JobStatus = "CANCELLED"
	StatusSuperseded JobStatus = "SUPERSEDED"
)

// Terminal reports whether a job in this status is finished for good.
// Terminal jobs are audit records; they never change state again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusCancelled, StatusSuperseded:
		return true
	}
	return false
}

// Outcome classifies a worker's completion report. The set is closed:
// behaviors map their kind-specific worker vocabulary onto it.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "SUCCEEDED"
	OutcomeFailedBuild      Outcome = "FAILED_BUILD"
	OutcomeFailedDependency Outcome = "FAILED_DEPENDENCY"
	OutcomeFailedChroot     Outcome = "FAILED_CHROOT"
	OutcomeFailedUpload     Outcome = "FAILED_UPLOAD"
	OutcomeCancelled        Outcome = "CANCELLED"
	OutcomeSuperseded       Outcome = "SUPERSEDED"
)

// Target describes what a job builds for.
type Target struct {
	Arch   string `json:"arch" yaml:"arch"`
	Series string `json:"series" yaml:"series"`
	Pocket string `json:"pocket,omitempty" yaml:"pocket,omitempty"`
}

// Job describes one unit of buildable work tracked by the farm.
type Job struct {
	ID     string  `json:"id"`
	Kind   JobKind `json:"kind"`
	Cookie string  `json:"cookie"`
	Target Target  `json:"target"`

	// Source describes what to build; its meaning is kind-specific
	// (package name, recipe text reference, image spec, CI commit).
	Source string `json:"source"`

	OwnerClass   string   `json:"ownerClass,omitempty"`
	ManualBoost  int      `json:"manualBoost,omitempty"`
	Virtualized  bool     `json:"virtualized"`
	ResourceTags []string `json:"resourceTags,omitempty"`

	Status          JobStatus `json:"status"`
	Worker          string    `json:"worker,omitempty"`
	CancelRequested bool      `json:"cancelRequested,omitempty"`
	Outcome         Outcome   `json:"outcome,omitempty"`
	RejectReason    string    `json:"rejectReason,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// JobEvent captures lifecycle progress for a job.
type JobEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Artifact is a durable-storage reference attached to an accepted job.
type Artifact struct {
	JobID       string    `json:"jobId"`
	SubUnit     string    `json:"subUnit,omitempty"`
	Name        string    `json:"name"`
	Ref         string    `json:"ref"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WorkerHealth is the fleet-management view of a worker.
type WorkerHealth string

const (
	HealthHealthy     WorkerHealth = "HEALTHY"
	HealthQuarantined WorkerHealth = "QUARANTINED"
	HealthDisabled    WorkerHealth = "DISABLED"
)

// ResetAccess holds the SSH credentials used to reset a virtualized worker.
type ResetAccess struct {
	Host       string `json:"-" yaml:"host"`
	Port       int    `json:"-" yaml:"port"`
	Username   string `json:"-" yaml:"username"`
	Password   string `json:"-" yaml:"password"`
	PrivateKey string `json:"-" yaml:"private_key"`
}

// Worker describes a remote build worker known to the registry.
type Worker struct {
	Name         string       `json:"name" yaml:"name"`
	Endpoint     string       `json:"endpoint" yaml:"endpoint"`
	Arches       []string     `json:"arches" yaml:"arches"`
	Virtualized  bool         `json:"virtualized" yaml:"virtualized"`
	ResourceTags []string     `json:"resourceTags,omitempty" yaml:"resource_tags"`
	Reset        ResetAccess  `json:"-" yaml:"reset"`
	Health       WorkerHealth `json:"health" yaml:"-"`
	Assigned     string       `json:"assigned,omitempty" yaml:"-"`
	LastError    string       `json:"lastError,omitempty" yaml:"-"`
	UpdatedAt    time.Time    `json:"updatedAt" yaml:"-"`
}

// CanRun reports whether this worker satisfies a job's capability
// requirements. Health and idleness are checked separately.
func (w *Worker) CanRun(job *Job) bool {
	if job.Virtualized != w.Virtualized {
		return false
	}
	if !contains(w.Arches, job.Target.Arch) {
		return false
	}
	for _, tag := range job.ResourceTags {
		if !contains(w.ResourceTags, tag) {
			return false
		}
	}
	return true
}

// StartCommand is the worker-directed instruction set produced by a
// behavior. It is pure data; the worker API client puts it on the wire.
type StartCommand struct {
	Kind   JobKind           `json:"kind"`
	Cookie string            `json:"cookie"`
	Files  map[string]string `json:"files,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Report is a worker's raw completion report. Status uses the worker's
// own vocabulary; behaviors translate it into an Outcome.
type Report struct {
	Cookie   string            `json:"cookie"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
	LogTail  string            `json:"logTail,omitempty"`
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
