package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reportd/internal/domain"
)

type etcdJobRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdJobRepository creates a job store backed by etcd. A job's Revision
// is the ModRevision of its key; updates are transactions guarded by it.
func NewEtcdJobRepository(client *clientv3.Client, logger *slog.Logger) domain.JobRepository {
	return &etcdJobRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("reportd-etcd-job-repo"),
	}
}

func jobKey(key string) string {
	return path.Join(JobPrefix, key)
}

func (r *etcdJobRepository) Create(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Create")
	defer span.End()

	key := jobKey(job.Key)
	span.SetAttributes(attribute.String("job.key", job.Key), attribute.String("etcd.key", key))

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(jobJSON))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job in etcd")
		return fmt.Errorf("failed to create job %s in etcd: %w", job.Key, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("key %q: %w", job.Key, domain.ErrJobExists)
	}
	job.Revision = resp.Header.Revision
	return nil
}

func (r *etcdJobRepository) Get(ctx context.Context, key string) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	resp, err := r.client.Get(ctx, jobKey(key))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from etcd")
		return nil, fmt.Errorf("failed to get job %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.NotFound(key)
	}

	var job domain.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s from JSON: %w", key, err)
	}
	job.Revision = resp.Kvs[0].ModRevision
	return &job, nil
}

// List reads the whole job prefix. etcd returns keys in ascending order.
func (r *etcdJobRepository) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.List")
	defer span.End()

	resp, err := r.client.Get(ctx, JobPrefix, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from etcd")
		return nil, fmt.Errorf("failed to list jobs from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	jobs := make([]*domain.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var job domain.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			r.logger.Warn("failed to unmarshal job from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		job.Revision = kv.ModRevision
		if filter.Matches(&job) {
			jobs = append(jobs, &job)
		}
	}
	return jobs, nil
}

func (r *etcdJobRepository) Update(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Update")
	defer span.End()

	key := jobKey(job.Key)
	span.SetAttributes(
		attribute.String("job.key", job.Key),
		attribute.String("job.status", string(job.Status)),
		attribute.Int64("etcd.expected_revision", job.Revision),
	)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", job.Revision)).
		Then(clientv3.OpPut(key, string(jobJSON))).
		Else(clientv3.OpGet(key, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update job in etcd")
		return fmt.Errorf("failed to update job %s in etcd: %w", job.Key, err)
	}
	if !resp.Succeeded {
		return missOrConflict(job.Key, resp)
	}
	job.Revision = resp.Header.Revision
	return nil
}

func (r *etcdJobRepository) Delete(ctx context.Context, key string, revision int64) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	if revision == 0 {
		if _, err := r.client.Delete(ctx, jobKey(key)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to delete job from etcd")
			return fmt.Errorf("failed to delete job %s from etcd: %w", key, err)
		}
		return nil
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(jobKey(key)), "=", revision)).
		Then(clientv3.OpDelete(jobKey(key))).
		Else(clientv3.OpGet(jobKey(key), clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job from etcd")
		return fmt.Errorf("failed to delete job %s from etcd: %w", key, err)
	}
	if !resp.Succeeded {
		if err := missOrConflict(key, resp); !errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
	}
	return nil
}

// missOrConflict inspects the Else branch of a guarded transaction.
func missOrConflict(key string, resp *clientv3.TxnResponse) error {
	if len(resp.Responses) > 0 {
		if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			return fmt.Errorf("key %q: %w", key, domain.ErrConflict)
		}
	}
	return domain.NotFound(key)
}
