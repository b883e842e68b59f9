// Package registry tracks in-flight and recently finished jobs in memory.
//
// Job state lives only for the process lifetime. Each job is written by
// exactly one pipeline goroutine; the registry's mutex makes that discipline
// enforced rather than assumed, and Update applies its mutation atomically
// under the lock so readers never observe a half-merged entry.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"beatflo/internal/models"
)

// Registry is a mutex-guarded job store with per-kind namespaces.
type Registry struct {
	mu   sync.RWMutex
	jobs map[models.JobKind]map[string]*models.Job
	now  func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		jobs: make(map[models.JobKind]map[string]*models.Job),
		now:  time.Now,
	}
}

// Create allocates a fresh job in starting state and returns its id.
// The seed callback, if non-nil, populates kind-specific metadata before
// the entry becomes visible.
func (r *Registry) Create(kind models.JobKind, seed func(*models.Job)) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	now := r.now()
	job := &models.Job{
		ID:        id,
		Kind:      kind,
		Status:    models.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if seed != nil {
		seed(job)
	}
	if r.jobs[kind] == nil {
		r.jobs[kind] = make(map[string]*models.Job)
	}
	r.jobs[kind][id] = job
	return id
}

// Get returns a copy of the job, or false if the id is unknown. Slices in
// the copy are cloned so callers cannot alias the stored entry.
func (r *Registry) Get(kind models.JobKind, id string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[kind][id]
	if !ok {
		return models.Job{}, false
	}
	return cloneJob(job), true
}

// Update applies fn to the job under the lock. Missing ids are a no-op:
// only the owning pipeline goroutine updates its own job, so an absent
// entry means the job was already swept.
func (r *Registry) Update(kind models.JobKind, id string, fn func(*models.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[kind][id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = r.now()
}

// Delete removes the job. Idempotent.
func (r *Registry) Delete(kind models.JobKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs[kind], id)
}

// SweepTerminal evicts terminal jobs of the given kind whose last update is
// older than maxIdle, returning how many were removed.
func (r *Registry) SweepTerminal(kind models.JobKind, maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for id, job := range r.jobs[kind] {
		if models.IsTerminal(job.Status) && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs[kind], id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked jobs of a kind.
func (r *Registry) Len(kind models.JobKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs[kind])
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	if j.Items != nil {
		out.Items = make([]models.Item, len(j.Items))
		copy(out.Items, j.Items)
	}
	if j.Peaks != nil {
		out.Peaks = make([]float64, len(j.Peaks))
		copy(out.Peaks, j.Peaks)
	}
	return out
}
