package etcd

import (
	"context"
	"encoding/json"
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

type etcdRunRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdRunRepository creates a run history backed by etcd.
func NewEtcdRunRepository(client *clientv3.Client, logger *slog.Logger) domain.RunRepository {
	return &etcdRunRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("reportd-etcd-run-repo"),
	}
}

func runPrefix(jobKey string) string {
	return path.Join(RunPrefix, jobKey) + "/"
}

// Save persists a run record under /reportd/runs/{jobKey}/{runID}.
func (r *etcdRunRepository) Save(ctx context.Context, record *domain.RunRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveRun")
	defer span.End()

	if err := record.Validate(); err != nil {
		return err
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal run record")
		return fmt.Errorf("failed to marshal run record %s to JSON: %w", record.ID, err)
	}

	key := runPrefix(record.JobKey) + record.ID
	span.SetAttributes(
		attribute.String("run.id", record.ID),
		attribute.String("job.key", record.JobKey),
		attribute.String("run.outcome", string(record.Outcome)),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put run record to etcd")
		return fmt.Errorf("failed to save run record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// ListByJobKey returns runs newest first. Records are ordered by the
// revision that created them, so updating a run keeps its position.
func (r *etcdRunRepository) ListByJobKey(ctx context.Context, jobKey string, page, pageSize int) ([]*domain.RunRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListRuns")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.key", jobKey),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize

	resp, err := r.client.Get(ctx, runPrefix(jobKey),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
		clientv3.WithLimit(int64(endIdx)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list run records from etcd")
		return nil, fmt.Errorf("failed to list run records for job %s from etcd: %w", jobKey, err)
	}

	records := make([]*domain.RunRecord, 0, pageSize)
	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		var record domain.RunRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal run record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

func (r *etcdRunRepository) Latest(ctx context.Context, jobKey string) (*domain.RunRecord, error) {
	records, err := r.ListByJobKey(ctx, jobKey, 1, 1)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (r *etcdRunRepository) DeleteByJobKey(ctx context.Context, jobKey string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteRuns")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", jobKey))

	if _, err := r.client.Delete(ctx, runPrefix(jobKey), clientv3.WithPrefix()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete run records from etcd")
		return fmt.Errorf("failed to delete run records for job %s from etcd: %w", jobKey, err)
	}
	return nil
}
