package memory

import (
	"context"
	"sync"

	"reportd/internal/domain"
)

type runRepository struct {
	mu   sync.RWMutex
	runs map[string][]*domain.RunRecord // job key -> runs, oldest first
}

// NewRunRepository returns an in-memory run history.
func NewRunRepository() domain.RunRepository {
	return &runRepository{runs: make(map[string][]*domain.RunRecord)}
}

func (r *runRepository) Save(ctx context.Context, record *domain.RunRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *record
	runs := r.runs[record.JobKey]
	for i, existing := range runs {
		if existing.ID == record.ID {
			runs[i] = &c
			return nil
		}
	}
	r.runs[record.JobKey] = append(runs, &c)
	return nil
}

func (r *runRepository) ListByJobKey(ctx context.Context, jobKey string, page, pageSize int) ([]*domain.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := r.runs[jobKey]
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	records := make([]*domain.RunRecord, 0, pageSize)
	for i := len(runs) - 1 - start; i >= 0 && len(records) < pageSize; i-- {
		c := *runs[i]
		records = append(records, &c)
	}
	return records, nil
}

func (r *runRepository) Latest(ctx context.Context, jobKey string) (*domain.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := r.runs[jobKey]
	if len(runs) == 0 {
		return nil, nil
	}
	c := *runs[len(runs)-1]
	return &c, nil
}

func (r *runRepository) DeleteByJobKey(ctx context.Context, jobKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, jobKey)
	return nil
}
