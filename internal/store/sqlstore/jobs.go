package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

const jobColumns = `id, account_id, batch_id, status, mode, source, blob_key, options,
	result, error, webhook_url, created_at, started_at, completed_at`

type jobRow struct {
	ID          string         `db:"id"`
	AccountID   string         `db:"account_id"`
	BatchID     sql.NullString `db:"batch_id"`
	Status      string         `db:"status"`
	Mode        string         `db:"mode"`
	Source      []byte         `db:"source"`
	BlobKey     string         `db:"blob_key"`
	Options     []byte         `db:"options"`
	Result      []byte         `db:"result"`
	Error       []byte         `db:"error"`
	WebhookURL  string         `db:"webhook_url"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:          r.ID,
		AccountID:   r.AccountID,
		BatchID:     r.BatchID.String,
		Status:      domain.JobStatus(r.Status),
		Mode:        domain.Mode(r.Mode),
		WebhookURL:  r.WebhookURL,
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   nullTime(r.StartedAt),
		CompletedAt: nullTime(r.CompletedAt),
	}
	if err := json.Unmarshal(r.Source, &job.Source); err != nil {
		return nil, fmt.Errorf("failed to decode source of job %s: %w", r.ID, err)
	}
	job.Source.BlobKey = r.BlobKey
	if err := json.Unmarshal(r.Options, &job.Options); err != nil {
		return nil, fmt.Errorf("failed to decode options of job %s: %w", r.ID, err)
	}
	if len(r.Result) > 0 {
		job.Result = new(domain.Result)
		if err := json.Unmarshal(r.Result, job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.ID, err)
		}
	}
	if len(r.Error) > 0 {
		job.Error = new(domain.JobError)
		if err := json.Unmarshal(r.Error, job.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error of job %s: %w", r.ID, err)
		}
	}
	return job, nil
}

// jsonArg encodes v as a JSON string parameter, or NULL when v is nil.
func jsonArg[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func insertJob(ctx context.Context, ext sqlx.ExtContext, job *domain.Job, position int) error {
	source, err := jsonArg(&job.Source)
	if err != nil {
		return fmt.Errorf("failed to encode source: %w", err)
	}
	options, err := jsonArg(&job.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	result, err := jsonArg(job.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	jobErr, err := jsonArg(job.Error)
	if err != nil {
		return fmt.Errorf("failed to encode error: %w", err)
	}
	var batchID any
	if job.BatchID != "" {
		batchID = job.BatchID
	}

	query := ext.Rebind(`
		INSERT INTO jobs (
			id, account_id, batch_id, position, status, mode,
			source, blob_key, options, result, error, webhook_url,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = ext.ExecContext(ctx, query,
		job.ID, job.AccountID, batchID, position, string(job.Status), string(job.Mode),
		source, job.Source.BlobKey, options, result, jobErr, job.WebhookURL,
		job.CreatedAt.UTC(), utc(job.StartedAt), utc(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, s.db, job, 0)
}

func getJob(ctx context.Context, q sqlx.ExtContext, id string) (*domain.Job, error) {
	var row jobRow
	query := q.Rebind("SELECT " + jobColumns + " FROM jobs WHERE id = ?")
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return nil, notFound(err, "job", id)
	}
	return row.toDomain()
}

func (s *Storage) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *Storage) GetJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return []*domain.Job{}, nil
	}
	query, args, err := sqlx.In("SELECT "+jobColumns+" FROM jobs WHERE id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}

	byID := make(map[string]*domain.Job, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		byID[job.ID] = job
	}
	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Storage) ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Cursor != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		at := filter.Cursor.CreatedAt.UTC()
		args = append(args, at, at, filter.Cursor.ID)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// One extra row tells the caller whether another page exists.
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit()+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Storage) TransitionJob(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	if err := store.CheckTransition(t); err != nil {
		return nil, err
	}

	var (
		query string
		args  []any
	)
	at := t.At.UTC()
	switch t.To {
	case domain.JobStatusProcessing:
		query = "UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?"
		args = []any{string(t.To), at, id, string(t.From)}
	default:
		result, err := jsonArg(t.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		jobErr, err := jsonArg(t.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode error: %w", err)
		}
		query = "UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?"
		args = []any{string(t.To), result, jobErr, at, id, string(t.From)}
	}

	var job *domain.Job
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s is %s, expected %s: %w", id, current.Status, t.From, store.ErrConflict)
		}
		job = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}
