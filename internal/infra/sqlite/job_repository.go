package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	sqlite3 "github.com/mattn/go-sqlite3"

	"reportd/internal/domain"
)

type jobRepository struct {
	db *sql.DB
}

// NewJobRepository returns a job store over a migrated database.
func NewJobRepository(db *sql.DB) domain.JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (key, status, owner_sub, doc, revision) VALUES (?, ?, ?, ?, 1)`,
		job.Key, string(job.Status), job.User.Sub, string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrJobExists, "key %q", job.Key)
		}
		return errors.Wrapf(err, "insert job %s", job.Key)
	}
	job.Revision = 1
	return nil
}

func (r *jobRepository) Get(ctx context.Context, key string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT doc, revision FROM jobs WHERE key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", key)
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.OwnerSub != "" {
		where = append(where, "owner_sub = ?")
		args = append(args, filter.OwnerSub)
	}

	query := `SELECT doc, revision FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY key"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

func (r *jobRepository) Update(ctx context.Context, job *domain.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, owner_sub = ?, doc = ?, revision = revision + 1, updated = CURRENT_TIMESTAMP
		 WHERE key = ? AND revision = ?`,
		string(job.Status), job.User.Sub, string(doc), job.Key, job.Revision)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return r.missOrConflict(ctx, job.Key)
	}
	job.Revision++
	return nil
}

func (r *jobRepository) Delete(ctx context.Context, key string, revision int64) error {
	var (
		res sql.Result
		err error
	)
	if revision == 0 {
		res, err = r.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key)
	} else {
		res, err = r.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ? AND revision = ?`, key, revision)
	}
	if err != nil {
		return errors.Wrapf(err, "delete job %s", key)
	}
	if revision == 0 {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		if err := r.missOrConflict(ctx, key); !errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
	}
	return nil
}

// missOrConflict explains why a guarded write matched no row.
func (r *jobRepository) missOrConflict(ctx context.Context, key string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE key = ?)`, key).Scan(&exists)
	if err != nil {
		return errors.Wrapf(err, "check job %s", key)
	}
	if !exists {
		return domain.NotFound(key)
	}
	return errors.Wrapf(domain.ErrConflict, "key %q", key)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		doc      string
		revision int64
	)
	if err := s.Scan(&doc, &revision); err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, errors.Wrap(err, "unmarshal job")
	}
	job.Revision = revision
	return &job, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
