package farm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrWorkerNotFound indicates the worker name is unknown.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerBusy indicates a reservation raced with another dispatch.
	ErrWorkerBusy = errors.New("worker already assigned")
	// ErrWorkerUnhealthy indicates the worker is not accepting work.
	ErrWorkerUnhealthy = errors.New("worker not healthy")
)

// Registry tracks the known worker fleet and its assignment state.
// Provisioning and decommissioning happen elsewhere; the registry only
// mutates health and current assignment.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

type fleetFile struct {
	Workers []Worker `yaml:"workers"`
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// LoadFleet reads the worker fleet from a YAML file. Every worker starts
// healthy and idle; port defaults to 22 for virtualized reset access.
func LoadFleet(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	var fleet fleetFile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	r := NewRegistry()
	for i := range fleet.Workers {
		w := fleet.Workers[i]
		if w.Name == "" || w.Endpoint == "" {
			return nil, fmt.Errorf("fleet entry %d: name and endpoint are required", i)
		}
		if w.Reset.Port == 0 {
			w.Reset.Port = 22
		}
		w.Health = HealthHealthy
		w.UpdatedAt = time.Now().UTC()
		r.Add(w)
	}
	return r, nil
}

// Add registers or replaces a worker.
func (r *Registry) Add(worker Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := worker
	if w.Health == "" {
		w.Health = HealthHealthy
	}
	r.workers[w.Name] = &w
}

func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, *w)
	}
	return result
}

// Idle returns healthy workers with no current assignment.
func (r *Registry) Idle() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Worker
	for _, w := range r.workers {
		if w.Health == HealthHealthy && w.Assigned == "" {
			result = append(result, *w)
		}
	}
	return result
}

// Reserve assigns a job to a worker. The healthy-and-idle check and the
// assignment write are a single atomic operation, so two concurrent
// dispatch cycles can never both reserve the same worker.
func (r *Registry) Reserve(name, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[name]
	if !ok {
		return ErrWorkerNotFound
	}
	if w.Health != HealthHealthy {
		return fmt.Errorf("%w: %s is %s", ErrWorkerUnhealthy, name, w.Health)
	}
	if w.Assigned != "" {
		return fmt.Errorf("%w: %s holds %s", ErrWorkerBusy, name, w.Assigned)
	}
	w.Assigned = jobID
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// Release clears a worker's assignment, making it idle again.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[name]; ok {
		w.Assigned = ""
		w.UpdatedAt = time.Now().UTC()
	}
}

// SetHealth updates a worker's health flag and remembers the reason.
func (r *Registry) SetHealth(name string, health WorkerHealth, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[name]
	if !ok {
		return ErrWorkerNotFound
	}
	w.Health = health
	w.LastError = ""
	if health != HealthHealthy {
		w.LastError = reason
	}
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// Quarantined returns workers flagged for reset or operator attention.
func (r *Registry) Quarantined() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Worker
	for _, w := range r.workers {
		if w.Health == HealthQuarantined {
			result = append(result, *w)
		}
	}
	return result
}
