// Package domaintest holds behaviour suites shared by the store drivers.
package domaintest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/domain"
)

// NewJob returns a valid job waiting for approval.
func NewJob(key, ownerSub string) *domain.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Job{
		Key:       key,
		Name:      "field",
		Status:    domain.StatusWaitingApproval,
		StartYear: 2000,
		EndYear:   2002,
		Submitted: &now,
		BaseDir:   "/work/" + key,
		User:      domain.User{Sub: ownerSub, Email: ownerSub + "@example.com"},
		Updated:   now,
	}
}

// JobRepositoryContract checks the semantics every JobRepository must share.
// newRepo must return an empty store.
func JobRepositoryContract(t *testing.T, newRepo func(t *testing.T) domain.JobRepository) {
	t.Run("CreateGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		job := NewJob("a_2000_2002_1", "u1")
		job.LastGeneratedYear = domain.IntPtr(2001)
		require.NoError(t, repo.Create(ctx, job))
		assert.NotZero(t, job.Revision)

		got, err := repo.Get(ctx, job.Key)
		require.NoError(t, err)
		assert.Equal(t, job.Revision, got.Revision)
		assert.Equal(t, job.Status, got.Status)
		assert.Equal(t, 2001, *got.LastGeneratedYear)
		assert.Equal(t, "u1", got.User.Sub)

		err = repo.Create(ctx, NewJob(job.Key, "u2"))
		assert.True(t, errors.Is(err, domain.ErrJobExists))

		_, err = repo.Get(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrJobNotFound))
	})

	t.Run("UpdateIsCompareAndSet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, NewJob("k", "u1")))

		first, err := repo.Get(ctx, "k")
		require.NoError(t, err)
		second, err := repo.Get(ctx, "k")
		require.NoError(t, err)

		first.Status = domain.StatusPending
		require.NoError(t, repo.Update(ctx, first))
		assert.Greater(t, first.Revision, second.Revision)

		second.Status = domain.StatusPaused
		err = repo.Update(ctx, second)
		assert.True(t, errors.Is(err, domain.ErrConflict))

		got, err := repo.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, first.Revision, got.Revision)

		missing := NewJob("missing", "u1")
		missing.Revision = 1
		err = repo.Update(ctx, missing)
		assert.True(t, errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrConflict))
	})

	t.Run("ConcurrentUpdatesHaveOneWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, NewJob("race", "u1")))

		base, err := repo.Get(ctx, "race")
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job := base.Clone()
				job.PID = 1000 + i
				if err := repo.Update(ctx, job); err == nil {
					wins.Add(1)
				} else {
					assert.True(t, errors.Is(err, domain.ErrConflict), "unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ListFiltersAndSorts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for i, sub := range []string{"u2", "u1", "u1"} {
			job := NewJob(fmt.Sprintf("job_%d", 3-i), sub)
			if i == 0 {
				job.Status = domain.StatusPending
			}
			require.NoError(t, repo.Create(ctx, job))
		}

		all, err := repo.List(ctx, domain.JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"job_1", "job_2", "job_3"}, keys(all))

		mine, err := repo.List(ctx, domain.JobFilter{OwnerSub: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"job_1", "job_2"}, keys(mine))

		pending, err := repo.List(ctx, domain.JobFilter{Statuses: []domain.Status{domain.StatusPending}})
		require.NoError(t, err)
		assert.Equal(t, []string{"job_3"}, keys(pending))
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := NewJob("gone", "u1")
		require.NoError(t, repo.Create(ctx, job))

		err := repo.Delete(ctx, "gone", job.Revision+100)
		assert.True(t, errors.Is(err, domain.ErrConflict))

		require.NoError(t, repo.Delete(ctx, "gone", job.Revision))
		_, err = repo.Get(ctx, "gone")
		assert.True(t, errors.Is(err, domain.ErrJobNotFound))

		require.NoError(t, repo.Delete(ctx, "gone", 0))
	})
}

// RunRepositoryContract checks the run history semantics.
func RunRepositoryContract(t *testing.T, newRepo func(t *testing.T) domain.RunRepository) {
	t.Run("SaveListLatest", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		latest, err := repo.Latest(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, latest)

		base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.Save(ctx, &domain.RunRecord{
				ID:        fmt.Sprintf("run-%d", i),
				JobKey:    "k",
				PID:       100 + i,
				StartTime: base.Add(time.Duration(i) * time.Minute),
				FromYear:  2000 + i,
				Outcome:   domain.RunOutcomeRunning,
			}))
		}
		require.NoError(t, repo.Save(ctx, &domain.RunRecord{
			ID: "other", JobKey: "k2", StartTime: base, Outcome: domain.RunOutcomeRunning,
		}))

		// update in place
		end := base.Add(time.Hour)
		require.NoError(t, repo.Save(ctx, &domain.RunRecord{
			ID: "run-4", JobKey: "k", PID: 104, StartTime: base.Add(4 * time.Minute),
			EndTime: &end, FromYear: 2004, Outcome: domain.RunOutcomeComplete,
		}))

		page1, err := repo.ListByJobKey(ctx, "k", 1, 2)
		require.NoError(t, err)
		require.Len(t, page1, 2)
		assert.Equal(t, "run-4", page1[0].ID)
		assert.Equal(t, domain.RunOutcomeComplete, page1[0].Outcome)
		assert.Equal(t, "run-3", page1[1].ID)

		page3, err := repo.ListByJobKey(ctx, "k", 3, 2)
		require.NoError(t, err)
		require.Len(t, page3, 1)
		assert.Equal(t, "run-0", page3[0].ID)

		latest, err = repo.Latest(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "run-4", latest.ID)
		require.NotNil(t, latest.EndTime)

		require.NoError(t, repo.DeleteByJobKey(ctx, "k"))
		runs, err := repo.ListByJobKey(ctx, "k", 1, 10)
		require.NoError(t, err)
		assert.Empty(t, runs)

		runs, err = repo.ListByJobKey(ctx, "k2", 1, 10)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Save(context.Background(), &domain.RunRecord{JobKey: "k"})
		assert.Error(t, err)
	})
}

func keys(jobs []*domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Key
	}
	return out
}
