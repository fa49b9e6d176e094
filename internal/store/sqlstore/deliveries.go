package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

const deliveryColumns = `id, account_id, event, url, payload, signature, status, attempts,
	next_attempt_at, last_error, created_at, completed_at`

func normalizeDelivery(d *domain.Delivery) *domain.Delivery {
	d.CreatedAt = d.CreatedAt.UTC()
	if d.NextAttemptAt != nil {
		t := d.NextAttemptAt.UTC()
		d.NextAttemptAt = &t
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		d.CompletedAt = &t
	}
	return d
}

func (s *Storage) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	query := s.db.Rebind(`
		INSERT INTO webhook_deliveries (
			id, account_id, event, url, payload, signature, status, attempts,
			next_attempt_at, last_error, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.AccountID, string(d.Event), d.URL, d.Payload, d.Signature, string(d.Status), d.Attempts,
		utc(d.NextAttemptAt), d.LastError, d.CreatedAt.UTC(), utc(d.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func getDelivery(ctx context.Context, q sqlx.ExtContext, id string) (*domain.Delivery, error) {
	var d domain.Delivery
	query := q.Rebind("SELECT " + deliveryColumns + " FROM webhook_deliveries WHERE id = ?")
	if err := sqlx.GetContext(ctx, q, &d, query, id); err != nil {
		return nil, notFound(err, "delivery", id)
	}
	return normalizeDelivery(&d), nil
}

func (s *Storage) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	return getDelivery(ctx, s.db, id)
}

func (s *Storage) RecordAttempt(ctx context.Context, a domain.DeliveryAttempt, u store.AttemptUpdate) (*domain.Delivery, error) {
	var out *domain.Delivery
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			UPDATE webhook_deliveries
			SET attempts = ?, status = ?, next_attempt_at = ?, last_error = ?, completed_at = ?
			WHERE id = ? AND status = ? AND attempts = ?
		`)
		res, err := tx.ExecContext(ctx, query,
			a.Number, string(u.Status), utc(u.NextAttemptAt), u.LastError, utc(u.CompletedAt),
			a.DeliveryID, string(domain.DeliveryPending), a.Number-1,
		)
		if err != nil {
			return fmt.Errorf("failed to update delivery: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			if _, err := getDelivery(ctx, tx, a.DeliveryID); err != nil {
				return err
			}
			return fmt.Errorf("delivery %s attempt %d: %w", a.DeliveryID, a.Number, store.ErrConflict)
		}

		query = tx.Rebind(`
			INSERT INTO webhook_attempts (
				delivery_id, number, scheduled_at, attempted_at, outcome, status_code, error, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		_, err = tx.ExecContext(ctx, query,
			a.DeliveryID, a.Number, a.ScheduledAt.UTC(), a.AttemptedAt.UTC(),
			string(a.Outcome), a.StatusCode, a.Error, a.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("failed to record attempt: %w", err)
		}

		out, err = getDelivery(ctx, tx, a.DeliveryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	if _, err := s.GetDelivery(ctx, deliveryID); err != nil {
		return nil, err
	}
	var attempts []domain.DeliveryAttempt
	query := s.db.Rebind(`
		SELECT delivery_id, number, scheduled_at, attempted_at, outcome, status_code, error, duration_ms
		FROM webhook_attempts WHERE delivery_id = ? ORDER BY number
	`)
	if err := s.db.SelectContext(ctx, &attempts, query, deliveryID); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	for i := range attempts {
		attempts[i].ScheduledAt = attempts[i].ScheduledAt.UTC()
		attempts[i].AttemptedAt = attempts[i].AttemptedAt.UTC()
	}
	return attempts, nil
}

func (s *Storage) ListDeliveries(ctx context.Context, filter store.DeliveryFilter) ([]*domain.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries WHERE 1=1"
	var args []any
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	limit := filter.PageSize
	if limit <= 0 || limit > store.MaxPageSize {
		limit = store.DefaultPageSize
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return s.selectDeliveries(ctx, query, args...)
}

func (s *Storage) PendingDeliveries(ctx context.Context) ([]*domain.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries WHERE status = ? ORDER BY created_at DESC, id DESC"
	return s.selectDeliveries(ctx, query, string(domain.DeliveryPending))
}

func (s *Storage) selectDeliveries(ctx context.Context, query string, args ...any) ([]*domain.Delivery, error) {
	var rows []domain.Delivery
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	out := make([]*domain.Delivery, 0, len(rows))
	for i := range rows {
		out = append(out, normalizeDelivery(&rows[i]))
	}
	return out, nil
}

func (s *Storage) RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	query := s.db.Rebind(`
		INSERT INTO dead_letters (delivery_id, account_id, event, url, attempts, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query,
		dl.DeliveryID, dl.AccountID, string(dl.Event), dl.URL, dl.Attempts, dl.LastError, dl.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = store.MaxPageSize
	}
	var rows []domain.DeadLetter
	query := s.db.Rebind(`
		SELECT delivery_id, account_id, event, url, attempts, last_error, failed_at
		FROM dead_letters ORDER BY failed_at DESC, delivery_id DESC LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]*domain.DeadLetter, 0, len(rows))
	for i := range rows {
		rows[i].FailedAt = rows[i].FailedAt.UTC()
		out = append(out, &rows[i])
	}
	return out, nil
}
