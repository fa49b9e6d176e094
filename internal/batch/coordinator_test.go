package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/blob"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine"
	"github.com/struktr-app/parser/internal/scheduler"
	"github.com/struktr-app/parser/internal/store"
	"github.com/struktr-app/parser/internal/store/memory"
	"github.com/struktr-app/parser/internal/webhook"
)

var pdf = []byte("%PDF-1.7\n%fake document\n")

type recorder struct {
	mu     sync.Mutex
	events []webhook.Request
}

func (r *recorder) Enqueue(_ context.Context, req webhook.Request) (*domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, req)
	return &domain.Delivery{ID: fmt.Sprintf("d%d", len(r.events)), Event: req.Event}, nil
}

func (r *recorder) byEvent(event domain.EventType) []webhook.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []webhook.Request
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fetcher map[string]error

func (f fetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if err, ok := f[url]; ok {
		return nil, err
	}
	return pdf, nil
}

func result() *domain.Result {
	return &domain.Result{Pages: 1, Fields: map[string]domain.ExtractedField{"total": {Value: 1.0, Confidence: 0.9}}}
}

type harness struct {
	store  *memory.Store
	sched  *scheduler.Scheduler
	coord  *Coordinator
	events *recorder
}

func newHarness(t *testing.T, eng engine.Engine, fetch fetcher, concurrency int) *harness {
	t.Helper()
	st := memory.New()
	sched := scheduler.New(scheduler.Config{
		Store:       st,
		Blobs:       blob.NewMemoryStore(),
		Fetcher:     fetch,
		Engine:      eng,
		Concurrency: concurrency,
		QueueDepth:  64,
	})
	events := &recorder{}
	coord := NewCoordinator(Config{Store: st, Scheduler: sched, Notifier: events, MaxSize: 25})
	sched.Subscribe(coord.OnJobTerminal)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})
	return &harness{store: st, sched: sched, coord: coord, events: events}
}

func (h *harness) waitCompleted(t *testing.T, id string) *Snapshot {
	t.Helper()
	var snap *Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = h.coord.GetBatch(context.Background(), id)
		return err == nil && snap.Batch.Status == domain.BatchStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestSubmitBatch_UnreachableURLs(t *testing.T) {
	unreachable := apperr.New(apperr.CodeInvalidURL, "could not fetch document")
	fetch := fetcher{
		"https://docs.example.com/2.pdf": unreachable,
		"https://docs.example.com/4.pdf": unreachable,
	}
	ok := engine.Func(func(context.Context, engine.Request) (*domain.Result, error) { return result(), nil })
	h := newHarness(t, ok, fetch, 2)

	var sources []Source
	for i := 1; i <= 5; i++ {
		sources = append(sources, Source{URL: fmt.Sprintf("https://docs.example.com/%d.pdf", i)})
	}
	snap, err := h.coord.SubmitBatch(context.Background(), Request{
		AccountID:  "acct",
		Sources:    sources,
		Options:    domain.DefaultOptions(),
		WebhookURL: "https://hooks.example.com/batch",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusProcessing, snap.Batch.Status)
	assert.Equal(t, 5, snap.Counts.Total)
	require.Len(t, snap.Documents, 5)

	done := h.waitCompleted(t, snap.Batch.ID)
	assert.Equal(t, 3, done.Counts.Succeeded)
	assert.Equal(t, 2, done.Counts.Failed)
	assert.NotNil(t, done.Batch.CompletedAt)
	for i, d := range done.Documents {
		assert.Equal(t, snap.Documents[i].ID, d.ID)
		assert.Equal(t, sources[i].URL, d.Source)
	}
	assert.Equal(t, apperr.CodeInvalidURL, done.Documents[1].Error.Code)

	completed := h.events.byEvent(domain.EventBatchCompleted)
	require.Len(t, completed, 1)
	data := completed[0].Data.(completedEvent)
	assert.Equal(t, 5, data.Total)
	assert.Equal(t, 3, data.Succeeded)
	assert.Equal(t, 2, data.Failed)
	assert.Len(t, data.Documents, 5)
	assert.Equal(t, "acct", completed[0].AccountID)
	assert.Equal(t, "https://hooks.example.com/batch", completed[0].URL)

	var finals int
	for _, p := range h.events.byEvent(domain.EventBatchProgress) {
		if p.Data.(progressEvent).Completed == 5 {
			finals++
		}
	}
	assert.GreaterOrEqual(t, finals, 1)
}

func TestSubmitBatch_RandomCompletionOrder(t *testing.T) {
	for round := 0; round < 5; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			slow := engine.Func(func(ctx context.Context, req engine.Request) (*domain.Result, error) {
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
				if rand.Intn(3) == 0 {
					return nil, apperr.Processing(apperr.ReasonNoTextContent, "no text")
				}
				return result(), nil
			})
			h := newHarness(t, slow, fetcher{}, 8)

			sources := make([]Source, 20)
			for i := range sources {
				sources[i] = Source{Document: pdf, Filename: fmt.Sprintf("%d.pdf", i)}
			}
			snap, err := h.coord.SubmitBatch(context.Background(), Request{
				AccountID: "acct", Sources: sources, Options: domain.DefaultOptions(), WebhookURL: "https://hooks.example.com/b",
			})
			require.NoError(t, err)

			done := h.waitCompleted(t, snap.Batch.ID)
			assert.Equal(t, 20, done.Counts.Total)
			assert.Equal(t, 20, done.Counts.Succeeded+done.Counts.Failed)
			assert.Zero(t, done.Counts.Pending+done.Counts.Processing)

			completed := h.events.byEvent(domain.EventBatchCompleted)
			require.Len(t, completed, 1)
			data := completed[0].Data.(completedEvent)
			assert.Equal(t, done.Counts.Succeeded, data.Succeeded)
			assert.Equal(t, done.Counts.Failed, data.Failed)

			for _, p := range h.events.byEvent(domain.EventBatchProgress) {
				ev := p.Data.(progressEvent)
				assert.Equal(t, 20, ev.Total)
				assert.Equal(t, ev.Total, ev.Completed+ev.Pending)
				assert.LessOrEqual(t, ev.Completed, 20)
			}
		})
	}
}

func TestSubmitBatch_Validation(t *testing.T) {
	st := memory.New()
	sched := scheduler.New(scheduler.Config{Store: st, Blobs: blob.NewMemoryStore(), Fetcher: fetcher{}, QueueDepth: 8})
	coord := NewCoordinator(Config{Store: st, Scheduler: sched, MaxSize: 3})
	ctx := context.Background()

	_, err := coord.SubmitBatch(ctx, Request{AccountID: "acct"})
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	_, err = coord.SubmitBatch(ctx, Request{AccountID: "acct", Sources: make([]Source, 4)})
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeInvalidRequest, ae.Code)
	assert.Equal(t, 3, ae.Details["max_size"])

	_, err = coord.SubmitBatch(ctx, Request{
		AccountID: "acct",
		Sources: []Source{
			{URL: "https://example.com/a.pdf"},
			{Document: pdf},
			{URL: "ftp://example.com/c.pdf"},
		},
	})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeInvalidURL, ae.Code)
	assert.Equal(t, 2, ae.Details["index"])

	_, err = coord.SubmitBatch(ctx, Request{AccountID: "acct", Sources: []Source{{URL: "https://example.com/a.pdf"}}, WebhookURL: "nope"})
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	jobs, err := st.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, sched.QueueLen())
}

func TestSubmitBatch_QueueFullCreatesNothing(t *testing.T) {
	st := memory.New()
	sched := scheduler.New(scheduler.Config{Store: st, Blobs: blob.NewMemoryStore(), Fetcher: fetcher{}, QueueDepth: 2})
	coord := NewCoordinator(Config{Store: st, Scheduler: sched})

	_, err := coord.SubmitBatch(context.Background(), Request{
		AccountID: "acct",
		Sources:   []Source{{URL: "https://example.com/1.pdf"}, {URL: "https://example.com/2.pdf"}, {URL: "https://example.com/3.pdf"}},
	})
	assert.ErrorIs(t, err, apperr.ErrServiceUnavailable)

	jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGetBatch_NotFound(t *testing.T) {
	coord := NewCoordinator(Config{Store: memory.New()})
	_, err := coord.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// seedBatch stores a batch of n pending members without a scheduler.
func seedBatch(t *testing.T, st *memory.Store, n int) *domain.Batch {
	t.Helper()
	now := time.Now().UTC()
	batch := &domain.Batch{ID: "batch-1", AccountID: "acct", Status: domain.BatchStatusProcessing, WebhookURL: "https://hooks.example.com/b", CreatedAt: now}
	var members []*domain.Job
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		batch.MemberJobIDs = append(batch.MemberJobIDs, id)
		members = append(members, &domain.Job{
			ID: id, AccountID: "acct", BatchID: batch.ID, Status: domain.JobStatusPending,
			Source: domain.Source{Kind: domain.SourceURL, URL: "https://example.com/" + id}, CreatedAt: now,
		})
	}
	require.NoError(t, st.CreateBatch(context.Background(), batch, members))
	return batch
}

func complete(t *testing.T, st *memory.Store, id string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := st.TransitionJob(ctx, id, domain.Transition{From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: now})
	require.NoError(t, err)
	job, err := st.TransitionJob(ctx, id, domain.Transition{From: domain.JobStatusProcessing, To: domain.JobStatusCompleted, At: now, Result: result()})
	require.NoError(t, err)
	return job
}

func TestOnJobTerminal_Progress(t *testing.T) {
	tests := []struct {
		name      string
		members   int
		interval  time.Duration
		completed []int
	}{
		{"every completion", 4, 0, []int{1, 2, 3, 4}},
		{"throttled and flushed before completion", 4, time.Hour, []int{1, 4}},
		{"single member", 1, 0, []int{1}},
		{"single member throttled", 1, time.Hour, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			events := &recorder{}
			coord := NewCoordinator(Config{Store: st, Notifier: events, ProgressInterval: tt.interval})
			seedBatch(t, st, tt.members)

			for i := 0; i < tt.members; i++ {
				coord.OnJobTerminal(context.Background(), complete(t, st, fmt.Sprintf("job-%d", i)))
			}

			var got []int
			for _, p := range events.byEvent(domain.EventBatchProgress) {
				got = append(got, p.Data.(progressEvent).Completed)
			}
			assert.Equal(t, tt.completed, got)

			require.Len(t, events.byEvent(domain.EventBatchCompleted), 1)
			require.GreaterOrEqual(t, len(events.events), 2)
			final := events.events[len(events.events)-2]
			assert.Equal(t, domain.EventBatchProgress, final.Event)
			assert.Equal(t, progressEvent{BatchID: "batch-1", Total: tt.members, Completed: tt.members, Succeeded: tt.members}, final.Data)
			assert.Equal(t, domain.EventBatchCompleted, events.events[len(events.events)-1].Event)
			assert.Zero(t, coord.progressStates())
		})
	}
}

func TestOnJobTerminal_LateListenerAfterCompletion(t *testing.T) {
	st := memory.New()
	events := &recorder{}
	coord := NewCoordinator(Config{Store: st, Notifier: events})
	batch := seedBatch(t, st, 2)

	// The first member's listener read 1 of 2 before the second member finished
	// the batch, and reaches progress reporting only afterwards.
	complete(t, st, "job-0")
	stale := domain.BatchCounts{Total: 2, Succeeded: 1, Pending: 1}
	coord.OnJobTerminal(context.Background(), complete(t, st, "job-1"))
	coord.reportProgress(context.Background(), batch, stale)

	require.NotEmpty(t, events.events)
	assert.Equal(t, domain.EventBatchCompleted, events.events[len(events.events)-1].Event)
	assert.Zero(t, coord.progressStates())
}

func TestFlushProgress_ForgetsOldBatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	coord := NewCoordinator(Config{Store: memory.New(), Now: func() time.Time { return now }})
	ctx := context.Background()

	coord.flushProgress(ctx, &domain.Batch{ID: "old"}, domain.BatchCounts{})
	now = now.Add(retiredTTL + time.Second)
	coord.flushProgress(ctx, &domain.Batch{ID: "new"}, domain.BatchCounts{})

	coord.mu.Lock()
	defer coord.mu.Unlock()
	assert.NotContains(t, coord.retired, "old")
	assert.Contains(t, coord.retired, "new")
}

func TestOnJobTerminal_CompletesOnce(t *testing.T) {
	st := memory.New()
	events := &recorder{}
	coord := NewCoordinator(Config{Store: st, Notifier: events})
	seedBatch(t, st, 2)

	a := complete(t, st, "job-0")
	b := complete(t, st, "job-1")

	var wg sync.WaitGroup
	for _, job := range []*domain.Job{a, b, a, b} {
		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			coord.OnJobTerminal(context.Background(), job)
		}(job)
	}
	wg.Wait()

	assert.Len(t, events.byEvent(domain.EventBatchCompleted), 1)
	progress := events.byEvent(domain.EventBatchProgress)
	require.Len(t, progress, 1, "only the winner sends the final summary")
	assert.Equal(t, 2, progress[0].Data.(progressEvent).Completed)

	batch, err := st.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, batch.Status)
}

func TestRecover_CompletesFinishedBatches(t *testing.T) {
	st := memory.New()
	events := &recorder{}
	coord := NewCoordinator(Config{Store: st, Notifier: events})
	ctx := context.Background()

	// Every member finished but the process stopped before the batch was completed.
	seedBatch(t, st, 3)
	for i := 0; i < 3; i++ {
		complete(t, st, fmt.Sprintf("job-%d", i))
	}

	running := &domain.Batch{ID: "batch-2", AccountID: "acct", Status: domain.BatchStatusProcessing, CreatedAt: time.Now().UTC(), MemberJobIDs: []string{"job-x"}}
	require.NoError(t, st.CreateBatch(ctx, running, []*domain.Job{{
		ID: "job-x", AccountID: "acct", BatchID: running.ID, Status: domain.JobStatusPending,
		Source: domain.Source{Kind: domain.SourceURL, URL: "https://example.com/x"}, CreatedAt: time.Now().UTC(),
	}}))

	require.NoError(t, coord.Recover(ctx))

	batch, err := st.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, batch.Status)
	require.NotNil(t, batch.CompletedAt)

	other, err := st.GetBatch(ctx, "batch-2")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusProcessing, other.Status)

	require.Len(t, events.events, 2)
	assert.Equal(t, domain.EventBatchProgress, events.events[0].Event)
	assert.Equal(t, progressEvent{BatchID: "batch-1", Total: 3, Completed: 3, Succeeded: 3}, events.events[0].Data)
	assert.Equal(t, domain.EventBatchCompleted, events.events[1].Event)
	assert.Equal(t, 3, events.events[1].Data.(completedEvent).Succeeded)

	// A second pass finds nothing left to complete.
	require.NoError(t, coord.Recover(ctx))
	assert.Len(t, events.events, 2)
}

func TestOnJobTerminal_IgnoresStandaloneJobs(t *testing.T) {
	events := &recorder{}
	coord := NewCoordinator(Config{Store: memory.New(), Notifier: events})
	coord.OnJobTerminal(context.Background(), &domain.Job{ID: "x", Status: domain.JobStatusCompleted})
	assert.Empty(t, events.events)
}

func TestExport(t *testing.T) {
	st := memory.New()
	coord := NewCoordinator(Config{Store: st})
	seedBatch(t, st, 3)
	complete(t, st, "job-1")

	data, err := coord.Export(context.Background(), "batch-1")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Documents")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.Equal(t, "completed", rows[2][3])

	_, err = coord.Export(context.Background(), "nope")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
