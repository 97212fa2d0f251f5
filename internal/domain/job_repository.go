package domain

import (
	"context"
)

// JobFilter selects jobs in JobRepository.List. Zero values match everything.
type JobFilter struct {
	Statuses []Status
	OwnerSub string
}

// Matches reports whether the job satisfies the filter.
func (f JobFilter) Matches(job *Job) bool {
	if f.OwnerSub != "" && job.User.Sub != f.OwnerSub {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

// JobRepository is the persisted job collection. It is the only authoritative
// job state; every write is atomic on a single document.
type JobRepository interface {
	// Create inserts a new job. It returns ErrJobExists if the key is taken.
	Create(ctx context.Context, job *Job) error
	// Get returns the job with its current Revision, or ErrJobNotFound.
	Get(ctx context.Context, key string) (*Job, error)
	// List returns the jobs matching the filter, ordered by key.
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
	// Update replaces the stored job if its revision still equals job.Revision,
	// returning ErrConflict otherwise. On success job.Revision is advanced.
	Update(ctx context.Context, job *Job) error
	// Delete removes the job if its revision still equals revision. A zero
	// revision deletes unconditionally. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, revision int64) error
}
