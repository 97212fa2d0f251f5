package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"reportd/internal/domain"
)

type runRepository struct {
	db *sql.DB
}

// NewRunRepository returns the run history over a migrated database.
func NewRunRepository(db *sql.DB) domain.RunRepository {
	return &runRepository{db: db}
}

func (r *runRepository) Save(ctx context.Context, record *domain.RunRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal run")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (id, job_key, start_time, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET start_time = excluded.start_time, doc = excluded.doc`,
		record.ID, record.JobKey, record.StartTime.UnixNano(), string(doc))
	return errors.Wrapf(err, "save run %s", record.ID)
}

func (r *runRepository) ListByJobKey(ctx context.Context, jobKey string, page, pageSize int) ([]*domain.RunRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT doc FROM runs WHERE job_key = ? ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		jobKey, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "list runs of %s", jobKey)
	}
	defer rows.Close()

	records := make([]*domain.RunRecord, 0, pageSize)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		var record domain.RunRecord
		if err := json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, errors.Wrap(err, "unmarshal run")
		}
		records = append(records, &record)
	}
	return records, errors.Wrap(rows.Err(), "iterate runs")
}

func (r *runRepository) Latest(ctx context.Context, jobKey string) (*domain.RunRecord, error) {
	records, err := r.ListByJobKey(ctx, jobKey, 1, 1)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (r *runRepository) DeleteByJobKey(ctx context.Context, jobKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE job_key = ?`, jobKey)
	return errors.Wrapf(err, "delete runs of %s", jobKey)
}
