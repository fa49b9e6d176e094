// Package store defines persistence for jobs, batches and webhook deliveries.
// Status changes go through compare-and-set operations so that concurrent workers,
// cancellations and batch aggregation never overwrite each other.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/struktr-app/parser/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update finds the row in an unexpected state.
	ErrConflict = errors.New("state conflict")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Cursor is the keyset position for descending (created_at, id) pagination.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type JobFilter struct {
	AccountID string
	Status    domain.JobStatus
	BatchID   string
	PageSize  int
	Cursor    *Cursor
}

// Limit returns the page size clamped to [1, MaxPageSize].
func (f JobFilter) Limit() int {
	switch {
	case f.PageSize <= 0:
		return DefaultPageSize
	case f.PageSize > MaxPageSize:
		return MaxPageSize
	}
	return f.PageSize
}

type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// GetJobs returns jobs in the order of ids. Missing ids yield ErrNotFound.
	GetJobs(ctx context.Context, ids []string) ([]*domain.Job, error)
	// ListJobs returns up to Limit()+1 jobs newest first; the extra row signals another page.
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	// TransitionJob applies t only if the job is currently in t.From, returning the
	// updated job. Any other current status yields ErrConflict.
	TransitionJob(ctx context.Context, id string, t domain.Transition) (*domain.Job, error)
}

type BatchStore interface {
	// CreateBatch persists the batch and all of its member jobs atomically.
	CreateBatch(ctx context.Context, batch *domain.Batch, members []*domain.Job) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	// ListBatchIDs returns the ids of every batch in status, oldest first.
	ListBatchIDs(ctx context.Context, status domain.BatchStatus) ([]string, error)
	// CompleteBatch moves a processing batch to completed. It reports false when the
	// batch was already completed by someone else.
	CompleteBatch(ctx context.Context, id string, at time.Time) (bool, error)
}

type DeliveryFilter struct {
	AccountID string
	Status    domain.DeliveryStatus
	PageSize  int
}

// AttemptUpdate is the delivery state written together with an attempt record.
type AttemptUpdate struct {
	Status        domain.DeliveryStatus
	NextAttemptAt *time.Time
	LastError     string
	CompletedAt   *time.Time
}

type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *domain.Delivery) error
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	// RecordAttempt stores attempt a and applies u. The delivery must still be pending
	// and have exactly a.Number-1 prior attempts, otherwise ErrConflict.
	RecordAttempt(ctx context.Context, a domain.DeliveryAttempt, u AttemptUpdate) (*domain.Delivery, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*domain.Delivery, error)
	PendingDeliveries(ctx context.Context) ([]*domain.Delivery, error)
}

type DeadLetterStore interface {
	// RecordDeadLetter is idempotent per delivery id.
	RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
}

// Store is the full persistence surface used by the API service.
type Store interface {
	JobStore
	BatchStore
	DeliveryStore
	DeadLetterStore
}
