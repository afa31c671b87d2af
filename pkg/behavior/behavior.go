// Package behavior holds the per-job-kind strategy table. Each kind
// supplies three closures: how to construct a start command for a
// worker, how to translate the worker's completion vocabulary into the
// shared Outcome set, and how to judge whether an upload bundle
// plausibly satisfies the job. The dispatcher and the intake pipeline
// stay kind-agnostic; adding a kind is a pure addition here.
package behavior

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/veldt/buildfarm/pkg/farm"
)

// ErrUnknownKind indicates a job carries a kind tag with no registered
// behavior. Callers treat this as a per-job protocol error, never a
// reason to stop the loop.
var ErrUnknownKind = errors.New("unknown job kind")

// ErrUnknownStatus indicates a completion report used a status outside
// the worker vocabulary for that kind.
var ErrUnknownStatus = errors.New("unknown worker status")

// Behavior bundles the kind-specific logic. All three functions are
// pure: no I/O beyond reading the bundle directory handed to
// VerifyArtifacts.
type Behavior struct {
	BuildStartCommand   func(job farm.Job) (farm.StartCommand, error)
	InterpretCompletion func(job farm.Job, report farm.Report) (farm.Outcome, error)
	VerifyArtifacts     func(job farm.Job, bundleDir string) error
}

// Registry maps job kinds to behaviors. Populated once at startup.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[farm.JobKind]Behavior
}

func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[farm.JobKind]Behavior)}
}

func (r *Registry) Register(kind farm.JobKind, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[kind] = b
}

func (r *Registry) Resolve(kind farm.JobKind) (Behavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[kind]
	if !ok {
		return Behavior{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return b, nil
}

// Default returns a registry with all supported job kinds wired to the
// given reference data.
func Default(ref *ReferenceData) *Registry {
	r := NewRegistry()
	r.Register(farm.KindBinaryBuild, BinaryBuild(ref))
	r.Register(farm.KindRecipeBuild, RecipeBuild(ref))
	r.Register(farm.KindImageBuild, ImageBuild(ref))
	r.Register(farm.KindCIRun, CIRun(ref))
	return r
}

// interpret translates a worker status through a kind's vocabulary
// table. An abort is only a cancellation when one was actually
// requested; otherwise the worker died under us and the build failed.
func interpret(vocab map[string]farm.Outcome, job farm.Job, report farm.Report) (farm.Outcome, error) {
	status := strings.ToUpper(strings.TrimSpace(report.Status))
	outcome, ok := vocab[status]
	if !ok {
		return "", fmt.Errorf("%w: %q for kind %s", ErrUnknownStatus, report.Status, job.Kind)
	}
	if outcome == farm.OutcomeCancelled && !job.CancelRequested {
		return farm.OutcomeFailedBuild, nil
	}
	return outcome, nil
}

// bundleFiles lists regular files in a bundle directory, recursively,
// as slash paths relative to the bundle root.
func bundleFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func anyWithExt(files []string, ext string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, ext) {
			return true
		}
	}
	return false
}
