// Package memory is an in-process Store used for single-node runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	jobs        map[string]*domain.Job
	batches     map[string]*domain.Batch
	deliveries  map[string]*domain.Delivery
	attempts    map[string][]domain.DeliveryAttempt
	deadLetters map[string]*domain.DeadLetter
	dlOrder     []string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:        make(map[string]*domain.Job),
		batches:     make(map[string]*domain.Batch),
		deliveries:  make(map[string]*domain.Delivery),
		attempts:    make(map[string][]domain.DeliveryAttempt),
		deadLetters: make(map[string]*domain.DeadLetter),
	}
}

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists: %w", job.ID, store.ErrConflict)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *Store) GetJobs(_ context.Context, ids []string) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	matched := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if filter.AccountID != "" && job.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && job.BatchID != filter.BatchID {
			continue
		}
		if c := filter.Cursor; c != nil && !before(job, c) {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if limit := filter.Limit() + 1; len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// before reports whether job sorts strictly after the cursor in descending order.
func before(job *domain.Job, c *store.Cursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.ID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

func (s *Store) TransitionJob(_ context.Context, id string, t domain.Transition) (*domain.Job, error) {
	if err := store.CheckTransition(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if job.Status != t.From {
		return nil, fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, t.From, store.ErrConflict)
	}
	store.ApplyTransition(job, t)
	return job.Clone(), nil
}

func (s *Store) CreateBatch(_ context.Context, batch *domain.Batch, members []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists: %w", batch.ID, store.ErrConflict)
	}
	for _, m := range members {
		if _, ok := s.jobs[m.ID]; ok {
			return fmt.Errorf("job %s already exists: %w", m.ID, store.ErrConflict)
		}
	}

	b := *batch
	b.MemberJobIDs = append([]string(nil), batch.MemberJobIDs...)
	s.batches[batch.ID] = &b
	for _, m := range members {
		s.jobs[m.ID] = m.Clone()
	}
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	cp := *b
	cp.MemberJobIDs = append([]string(nil), b.MemberJobIDs...)
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp, nil
}

func (s *Store) ListBatchIDs(_ context.Context, status domain.BatchStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Batch
	for _, b := range s.batches {
		if b.Status == status {
			matched = append(matched, b)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	ids := make([]string, len(matched))
	for i, b := range matched {
		ids[i] = b.ID
	}
	return ids, nil
}

func (s *Store) CompleteBatch(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	if b.Status != domain.BatchStatusProcessing {
		return false, nil
	}
	b.Status = domain.BatchStatusCompleted
	b.CompletedAt = &at
	return true, nil
}

func (s *Store) CreateDelivery(_ context.Context, d *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[d.ID]; ok {
		return fmt.Errorf("delivery %s already exists: %w", d.ID, store.ErrConflict)
	}
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	return cloneDelivery(d), nil
}

func (s *Store) RecordAttempt(_ context.Context, a domain.DeliveryAttempt, u store.AttemptUpdate) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[a.DeliveryID]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", a.DeliveryID, store.ErrNotFound)
	}
	if d.Status != domain.DeliveryPending || d.Attempts != a.Number-1 {
		return nil, fmt.Errorf("delivery %s attempt %d: %w", a.DeliveryID, a.Number, store.ErrConflict)
	}

	s.attempts[d.ID] = append(s.attempts[d.ID], a)
	d.Attempts = a.Number
	d.Status = u.Status
	d.NextAttemptAt = u.NextAttemptAt
	d.LastError = u.LastError
	d.CompletedAt = u.CompletedAt
	return cloneDelivery(d), nil
}

func (s *Store) ListAttempts(_ context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.deliveries[deliveryID]; !ok {
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, store.ErrNotFound)
	}
	return append([]domain.DeliveryAttempt(nil), s.attempts[deliveryID]...), nil
}

func (s *Store) ListDeliveries(_ context.Context, filter store.DeliveryFilter) ([]*domain.Delivery, error) {
	s.mu.RLock()
	out := make([]*domain.Delivery, 0)
	for _, d := range s.deliveries {
		if filter.AccountID != "" && d.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, cloneDelivery(d))
	}
	s.mu.RUnlock()

	sortDeliveries(out)
	limit := filter.PageSize
	if limit <= 0 || limit > store.MaxPageSize {
		limit = store.DefaultPageSize
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PendingDeliveries(_ context.Context) ([]*domain.Delivery, error) {
	s.mu.RLock()
	out := make([]*domain.Delivery, 0)
	for _, d := range s.deliveries {
		if d.Status == domain.DeliveryPending {
			out = append(out, cloneDelivery(d))
		}
	}
	s.mu.RUnlock()

	sortDeliveries(out)
	return out, nil
}

func (s *Store) RecordDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deadLetters[dl.DeliveryID]; ok {
		return nil
	}
	cp := *dl
	s.deadLetters[dl.DeliveryID] = &cp
	s.dlOrder = append(s.dlOrder, dl.DeliveryID)
	return nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]*domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.dlOrder) {
		limit = len(s.dlOrder)
	}
	out := make([]*domain.DeadLetter, 0, limit)
	for i := len(s.dlOrder) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.deadLetters[s.dlOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func cloneDelivery(d *domain.Delivery) *domain.Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	if d.NextAttemptAt != nil {
		t := *d.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func sortDeliveries(ds []*domain.Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		return ds[i].ID > ds[j].ID
	})
}
