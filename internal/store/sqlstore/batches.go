package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/struktr-app/parser/internal/domain"
)

type batchRow struct {
	ID          string       `db:"id"`
	AccountID   string       `db:"account_id"`
	Status      string       `db:"status"`
	WebhookURL  string       `db:"webhook_url"`
	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (s *Storage) CreateBatch(ctx context.Context, batch *domain.Batch, members []*domain.Job) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO batches (id, account_id, status, webhook_url, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		_, err := tx.ExecContext(ctx, query,
			batch.ID, batch.AccountID, string(batch.Status), batch.WebhookURL,
			batch.CreatedAt.UTC(), utc(batch.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		for i, m := range members {
			if err := insertJob(ctx, tx, m, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var row batchRow
	query := s.db.Rebind(`
		SELECT id, account_id, status, webhook_url, created_at, completed_at
		FROM batches WHERE id = ?
	`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err, "batch", id)
	}

	var members []string
	query = s.db.Rebind("SELECT id FROM jobs WHERE batch_id = ? ORDER BY position")
	if err := s.db.SelectContext(ctx, &members, query, id); err != nil {
		return nil, fmt.Errorf("failed to get batch members: %w", err)
	}

	return &domain.Batch{
		ID:           row.ID,
		AccountID:    row.AccountID,
		MemberJobIDs: members,
		Status:       domain.BatchStatus(row.Status),
		WebhookURL:   row.WebhookURL,
		CreatedAt:    row.CreatedAt.UTC(),
		CompletedAt:  nullTime(row.CompletedAt),
	}, nil
}

func (s *Storage) ListBatchIDs(ctx context.Context, status domain.BatchStatus) ([]string, error) {
	var ids []string
	query := s.db.Rebind("SELECT id FROM batches WHERE status = ? ORDER BY created_at, id")
	if err := s.db.SelectContext(ctx, &ids, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return ids, nil
}

func (s *Storage) CompleteBatch(ctx context.Context, id string, at time.Time) (bool, error) {
	query := s.db.Rebind("UPDATE batches SET status = ?, completed_at = ? WHERE id = ? AND status = ?")
	res, err := s.db.ExecContext(ctx, query,
		string(domain.BatchStatusCompleted), at.UTC(), id, string(domain.BatchStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
