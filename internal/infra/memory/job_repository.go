// Package memory holds process-local stores used in single-instance mode
// and in tests. State is lost when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"

	"reportd/internal/domain"
)

type jobRepository struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	revision int64
}

// NewJobRepository returns an empty in-memory job store with the same
// compare-and-set semantics as the persistent drivers.
func NewJobRepository() domain.JobRepository {
	return &jobRepository{jobs: make(map[string]*domain.Job)}
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Key]; ok {
		return domain.ErrJobExists
	}
	r.revision++
	job.Revision = r.revision
	r.jobs[job.Key] = job.Clone()
	return nil
}

func (r *jobRepository) Get(ctx context.Context, key string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[key]
	if !ok {
		return nil, domain.NotFound(key)
	}
	return job.Clone(), nil
}

func (r *jobRepository) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Matches(job) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	return jobs, nil
}

func (r *jobRepository) Update(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[job.Key]
	if !ok {
		return domain.NotFound(job.Key)
	}
	if current.Revision != job.Revision {
		return domain.ErrConflict
	}
	r.revision++
	job.Revision = r.revision
	r.jobs[job.Key] = job.Clone()
	return nil
}

func (r *jobRepository) Delete(ctx context.Context, key string, revision int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[key]
	if !ok {
		return nil
	}
	if revision != 0 && current.Revision != revision {
		return domain.ErrConflict
	}
	delete(r.jobs, key)
	return nil
}
