package memory

import (
	"context"
	"testing"

	"reportd/internal/domain"
	"reportd/internal/domain/domaintest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRepository(t *testing.T) {
	domaintest.JobRepositoryContract(t, func(t *testing.T) domain.JobRepository {
		return NewJobRepository()
	})
}

func TestRunRepository(t *testing.T) {
	domaintest.RunRepositoryContract(t, func(t *testing.T) domain.RunRepository {
		return NewRunRepository()
	})
}

func TestStoredJobsAreIsolatedFromCallers(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()
	job := domaintest.NewJob("k", "u1")
	require.NoError(t, repo.Create(ctx, job))

	job.Name = "mutated"
	got, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "field", got.Name)

	got.Name = "also mutated"
	again, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "field", again.Name)
}

func TestLocalLeader(t *testing.T) {
	l := NewLocalLeader()
	assert.False(t, l.IsLeader())

	lost, err := l.Campaign(context.Background())
	require.NoError(t, err)
	assert.True(t, l.IsLeader())

	require.NoError(t, l.Resign(context.Background()))
	assert.False(t, l.IsLeader())
	_, open := <-lost
	assert.False(t, open)

	require.NoError(t, l.Resign(context.Background()))
}

func TestNodeRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewNodeRegistry()
	assert.Empty(t, r.Nodes())

	require.NoError(t, r.Register(ctx, domain.Node{ID: "n1", HTTPAddr: ":8080"}))
	nodes := r.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)

	require.NoError(t, r.Deregister(ctx))
	assert.Empty(t, r.Nodes())
}
