package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anvillabs/crucible/internal/models"
)

// Registry is the in-memory store of build jobs, keyed by id. It is the
// only holder of mutable job state: callers get snapshot copies, and all
// mutation goes through Update under the registry lock. A background sweep
// evicts jobs past their retention window.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*models.BuildJob
	cancels map[string]context.CancelFunc
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:    make(map[string]*models.BuildJob),
		cancels: make(map[string]context.CancelFunc),
		logger:  logger,
	}
}

// Add registers a new job.
func (r *Registry) Add(job *models.BuildJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("build %s already registered", job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (models.BuildJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.BuildJob{}, false
	}
	return copyJob(job), true
}

// Update applies fn to the job under the registry lock and stamps
// UpdatedAt. It reports whether the job exists.
func (r *Registry) Update(id string, fn func(*models.BuildJob)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return true
}

// List returns snapshots of all jobs.
func (r *Registry) List() []models.BuildJob {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.BuildJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, copyJob(job))
	}
	return out
}

// RunningCount returns the number of jobs currently running.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, job := range r.jobs {
		if job.Status == models.BuildStatusRunning {
			n++
		}
	}
	return n
}

// ClaimSecrets flips the job's one-time secrets flag. It returns the job
// snapshot and whether this call won the claim; every later call loses.
func (r *Registry) ClaimSecrets(id string) (models.BuildJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != models.BuildStatusSuccess || job.SecretsTaken {
		if ok {
			return copyJob(job), false
		}
		return models.BuildJob{}, false
	}
	job.SecretsTaken = true
	job.UpdatedAt = time.Now().UTC()
	return copyJob(job), true
}

// SetCancel stores the cancel function for a running job.
func (r *Registry) SetCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

// ClearCancel drops a job's cancel function once its run loop exits.
func (r *Registry) ClearCancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// Cancel cancels a running job. It reports whether a cancelable run was
// found.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	cancel, ok := r.cancels[id]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// Sweep evicts jobs whose last update is older than retention and returns
// their snapshots so the caller can remove their directories. Jobs still
// running past the window are cancelled before eviction, so a wedged build
// cannot pin its registry entry forever.
func (r *Registry) Sweep(retention time.Duration) []models.BuildJob {
	cutoff := time.Now().UTC().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []models.BuildJob
	for id, job := range r.jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if cancel, ok := r.cancels[id]; ok {
			cancel()
			delete(r.cancels, id)
		}
		evicted = append(evicted, copyJob(job))
		delete(r.jobs, id)
		r.logger.Info("evicted build past retention",
			"build_id", id,
			"status", string(job.Status),
			"updated_at", job.UpdatedAt,
		)
	}
	return evicted
}

// copyJob snapshots a job, cloning the slices a caller could otherwise
// race on.
func copyJob(job *models.BuildJob) models.BuildJob {
	out := *job
	if job.ErrorLines != nil {
		out.ErrorLines = append([]string(nil), job.ErrorLines...)
	}
	if job.Phases != nil {
		out.Phases = append([]models.PhaseRecord(nil), job.Phases...)
	}
	if job.Attempts != nil {
		out.Attempts = make([]models.FixAttemptRecord, len(job.Attempts))
		for i, a := range job.Attempts {
			out.Attempts[i] = a
			out.Attempts[i].Paths = append([]string(nil), a.Paths...)
		}
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
