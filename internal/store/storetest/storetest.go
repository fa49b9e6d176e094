// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/schema"
	"github.com/struktr-app/parser/internal/store"
)

// Factory returns an empty store for a single subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a pending job created at base+offset.
func NewJob(account string, offset time.Duration) *domain.Job {
	opts := domain.DefaultOptions()
	opts.Schema = schema.Object(
		schema.Prop("total", schema.Number("Grand total")),
		schema.Prop("issued_on", schema.Formatted(schema.FormatDate, "")),
	)
	return &domain.Job{
		ID:         uuid.NewString(),
		AccountID:  account,
		Status:     domain.JobStatusPending,
		Mode:       domain.ModeAsync,
		Source:     domain.Source{Kind: domain.SourceURL, URL: "https://example.com/a.pdf"},
		Options:    opts,
		WebhookURL: "https://hooks.example.com/in",
		CreatedAt:  base.Add(offset),
	}
}

func Run(t *testing.T, newStore Factory) {
	t.Run("job round trip", func(t *testing.T) { testJobRoundTrip(t, newStore(t)) })
	t.Run("transitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("concurrent claim has one winner", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("list jobs paginates", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("batches", func(t *testing.T) { testBatches(t, newStore(t)) })
	t.Run("deliveries", func(t *testing.T) { testDeliveries(t, newStore(t)) })
	t.Run("dead letters", func(t *testing.T) { testDeadLetters(t, newStore(t)) })
}

func testJobRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("acct", 0)
	job.Source = domain.Source{Kind: domain.SourceUpload, BlobKey: "uploads/x.pdf", Filename: "x.pdf", Size: 42}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "acct", got.AccountID)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Equal(t, job.Source, got.Source)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.CompletedAt)
	require.NotNil(t, got.Options.Schema)
	assert.Equal(t, "total", got.Options.Schema.Properties[0].Name)
	assert.Equal(t, "issued_on", got.Options.Schema.Properties[1].Name)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrConflict)
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("acct", 0)
	require.NoError(t, s.CreateJob(ctx, job))

	started := base.Add(time.Second)
	got, err := s.TransitionJob(ctx, job.ID, domain.Transition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: started,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	// A second claim must lose.
	_, err = s.TransitionJob(ctx, job.ID, domain.Transition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: started,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Skipping back is illegal regardless of state.
	_, err = s.TransitionJob(ctx, job.ID, domain.Transition{
		From: domain.JobStatusProcessing, To: domain.JobStatusPending, At: started,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	done := base.Add(2 * time.Second)
	result := &domain.Result{
		Pages:  3,
		Fields: map[string]domain.ExtractedField{"total": {Value: 1200.5, Confidence: 0.9, Location: &domain.Location{Page: 3}}},
		Tables: []domain.Table{{Page: 1, Headers: []string{"Item", "Amount"}, Rows: [][]string{{"Widget", "10.00"}}}},
	}
	got, err = s.TransitionJob(ctx, job.ID, domain.Transition{
		From: domain.JobStatusProcessing, To: domain.JobStatusCompleted, At: done, Result: result,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.Pages)
	assert.Equal(t, 1200.5, got.Result.Fields["total"].Value)
	assert.Equal(t, []string{"Item", "Amount"}, got.Result.Tables[0].Headers)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	// Terminal jobs never move again.
	_, err = s.TransitionJob(ctx, job.ID, domain.Transition{
		From: domain.JobStatusProcessing, To: domain.JobStatusFailed, At: done,
		Error: &domain.JobError{Code: apperr.CodeTimeout, Message: "late"},
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	reloaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, reloaded.Status)
	assert.Nil(t, reloaded.Error)

	// Cancellation path.
	cancelled := NewJob("acct", time.Minute)
	require.NoError(t, s.CreateJob(ctx, cancelled))
	got, err = s.TransitionJob(ctx, cancelled.ID, domain.Transition{
		From: domain.JobStatusPending, To: domain.JobStatusFailed, At: done,
		Error: &domain.JobError{Code: apperr.CodeProcessingFailed, Reason: apperr.ReasonCancelled, Message: "cancelled"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, apperr.ReasonCancelled, got.Error.Reason)
	assert.Nil(t, got.Result)

	_, err = s.TransitionJob(ctx, "missing", domain.Transition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: done,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("acct", 0)
	require.NoError(t, s.CreateJob(ctx, job))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionJob(ctx, job.ID, domain.Transition{
				From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: base,
			})
			if err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		job := NewJob("acct", time.Duration(i)*time.Second)
		require.NoError(t, s.CreateJob(ctx, job))
		ids = append(ids, job.ID)
	}
	require.NoError(t, s.CreateJob(ctx, NewJob("other", 10*time.Second)))

	page, err := s.ListJobs(ctx, store.JobFilter{AccountID: "acct", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "page size plus one look-ahead row")
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	last := page[1]
	page, err = s.ListJobs(ctx, store.JobFilter{
		AccountID: "acct",
		PageSize:  2,
		Cursor:    &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)

	page, err = s.ListJobs(ctx, store.JobFilter{AccountID: "acct", Status: domain.JobStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testBatches(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch := &domain.Batch{
		ID:         uuid.NewString(),
		AccountID:  "acct",
		Status:     domain.BatchStatusProcessing,
		WebhookURL: "https://hooks.example.com/batch",
		CreatedAt:  base,
	}
	var members []*domain.Job
	for i := 0; i < 4; i++ {
		job := NewJob("acct", 0)
		job.BatchID = batch.ID
		job.Source.URL = fmt.Sprintf("https://example.com/%d.pdf", i)
		members = append(members, job)
		batch.MemberJobIDs = append(batch.MemberJobIDs, job.ID)
	}
	require.NoError(t, s.CreateBatch(ctx, batch, members))

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.MemberJobIDs, got.MemberJobIDs)
	assert.Equal(t, domain.BatchStatusProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)

	jobs, err := s.GetJobs(ctx, got.MemberJobIDs)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	for i, j := range jobs {
		assert.Equal(t, batch.MemberJobIDs[i], j.ID)
		assert.Equal(t, batch.ID, j.BatchID)
	}

	_, err = s.GetJobs(ctx, []string{members[0].ID, "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	older := &domain.Batch{ID: uuid.NewString(), AccountID: "acct", Status: domain.BatchStatusProcessing, CreatedAt: base.Add(-time.Hour)}
	require.NoError(t, s.CreateBatch(ctx, older, nil))

	processing, err := s.ListBatchIDs(ctx, domain.BatchStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID, batch.ID}, processing)

	ok, err := s.CompleteBatch(ctx, batch.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CompleteBatch(ctx, batch.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	processing, err = s.ListBatchIDs(ctx, domain.BatchStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, processing)
	completed, err := s.ListBatchIDs(ctx, domain.BatchStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, []string{batch.ID}, completed)

	got, err = s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, base.Add(time.Minute).Equal(*got.CompletedAt))

	_, err = s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.CompleteBatch(ctx, "missing", base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A failing member insert leaves nothing behind.
	dup := &domain.Batch{ID: uuid.NewString(), AccountID: "acct", Status: domain.BatchStatusProcessing, CreatedAt: base}
	fresh := NewJob("acct", 0)
	fresh.BatchID = dup.ID
	existing := members[0].Clone()
	existing.BatchID = dup.ID
	dup.MemberJobIDs = []string{fresh.ID, existing.ID}
	assert.Error(t, s.CreateBatch(ctx, dup, []*domain.Job{fresh, existing}))
	_, err = s.GetBatch(ctx, dup.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, fresh.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeliveries(t *testing.T, s store.Store) {
	ctx := context.Background()
	next := base.Add(time.Minute)
	d := &domain.Delivery{
		ID:            uuid.NewString(),
		AccountID:     "acct",
		Event:         domain.EventDocumentCompleted,
		URL:           "https://hooks.example.com/in",
		Payload:       []byte(`{"event":"document.completed"}`),
		Signature:     "sha256=abc",
		Status:        domain.DeliveryPending,
		NextAttemptAt: &base,
		CreatedAt:     base,
	}
	require.NoError(t, s.CreateDelivery(ctx, d))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Payload, got.Payload)
	assert.Equal(t, 0, got.Attempts)

	got, err = s.RecordAttempt(ctx, domain.DeliveryAttempt{
		DeliveryID: d.ID, Number: 1, ScheduledAt: base, AttemptedAt: base,
		Outcome: domain.OutcomeError, StatusCode: 500, Error: "status 500", DurationMS: 12,
	}, store.AttemptUpdate{Status: domain.DeliveryPending, NextAttemptAt: &next, LastError: "status 500"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "status 500", got.LastError)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, next.Equal(*got.NextAttemptAt))

	// Replaying attempt 1 conflicts.
	_, err = s.RecordAttempt(ctx, domain.DeliveryAttempt{
		DeliveryID: d.ID, Number: 1, ScheduledAt: base, AttemptedAt: base, Outcome: domain.OutcomeError,
	}, store.AttemptUpdate{Status: domain.DeliveryPending})
	assert.ErrorIs(t, err, store.ErrConflict)

	pending, err := s.PendingDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].ID)

	done := next.Add(time.Second)
	got, err = s.RecordAttempt(ctx, domain.DeliveryAttempt{
		DeliveryID: d.ID, Number: 2, ScheduledAt: next, AttemptedAt: done,
		Outcome: domain.OutcomeSuccess, StatusCode: 200, DurationMS: 5,
	}, store.AttemptUpdate{Status: domain.DeliverySucceeded, CompletedAt: &done})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySucceeded, got.Status)
	assert.Nil(t, got.NextAttemptAt)
	require.NotNil(t, got.CompletedAt)

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, domain.OutcomeError, attempts[0].Outcome)
	assert.Equal(t, 500, attempts[0].StatusCode)
	assert.Equal(t, domain.OutcomeSuccess, attempts[1].Outcome)

	// Finished deliveries take no more attempts.
	_, err = s.RecordAttempt(ctx, domain.DeliveryAttempt{
		DeliveryID: d.ID, Number: 3, ScheduledAt: done, AttemptedAt: done, Outcome: domain.OutcomeError,
	}, store.AttemptUpdate{Status: domain.DeliveryPending})
	assert.ErrorIs(t, err, store.ErrConflict)

	pending, err = s.PendingDeliveries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	other := *d
	other.ID = uuid.NewString()
	other.AccountID = "other"
	other.CreatedAt = base.Add(time.Hour)
	require.NoError(t, s.CreateDelivery(ctx, &other))

	list, err := s.ListDeliveries(ctx, store.DeliveryFilter{AccountID: "acct"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)

	list, err = s.ListDeliveries(ctx, store.DeliveryFilter{Status: domain.DeliveryPending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other.ID, list[0].ID)

	_, err = s.GetDelivery(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ListAttempts(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeadLetters(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := &domain.DeadLetter{
		DeliveryID: uuid.NewString(), AccountID: "acct", Event: domain.EventBatchCompleted,
		URL: "https://hooks.example.com/in", Attempts: 6, LastError: "status 503", FailedAt: base,
	}
	second := *first
	second.DeliveryID = uuid.NewString()
	second.FailedAt = base.Add(time.Hour)

	require.NoError(t, s.RecordDeadLetter(ctx, first))
	require.NoError(t, s.RecordDeadLetter(ctx, first))
	require.NoError(t, s.RecordDeadLetter(ctx, &second))

	list, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.DeliveryID, list[0].DeliveryID)
	assert.Equal(t, first.DeliveryID, list[1].DeliveryID)
	assert.Equal(t, 6, list[1].Attempts)
	assert.Equal(t, domain.EventBatchCompleted, list[1].Event)
}
