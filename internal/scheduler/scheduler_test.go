package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/blob"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine"
	"github.com/struktr-app/parser/internal/schema"
	"github.com/struktr-app/parser/internal/store"
	"github.com/struktr-app/parser/internal/store/memory"
)

var pdf = []byte("%PDF-1.7\n%fake document\n")

// recordingStore remembers every status a job moved through.
type recordingStore struct {
	store.JobStore
	mu    sync.Mutex
	moves map[string][]domain.JobStatus
}

func (r *recordingStore) TransitionJob(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	job, err := r.JobStore.TransitionJob(ctx, id, t)
	if err == nil {
		r.mu.Lock()
		r.moves[id] = append(r.moves[id], job.Status)
		r.mu.Unlock()
	}
	return job, err
}

func (r *recordingStore) history(id string) []domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobStatus(nil), r.moves[id]...)
}

type fakeFetcher map[string]error

func (f fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if err, ok := f[url]; ok {
		return nil, err
	}
	return pdf, nil
}

func okEngine() engine.Func {
	return func(_ context.Context, req engine.Request) (*domain.Result, error) {
		return &domain.Result{
			Pages:   1,
			RawText: "Total: 10.00",
			Fields:  map[string]domain.ExtractedField{"total": {Value: 10.0, Confidence: 0.9}},
		}, nil
	}
}

func newScheduler(t *testing.T, eng engine.Engine, mutate func(*Config)) (*Scheduler, *recordingStore) {
	t.Helper()
	rs := &recordingStore{JobStore: memory.New(), moves: make(map[string][]domain.JobStatus)}
	cfg := Config{
		Store:       rs,
		Blobs:       blob.NewMemoryStore(),
		Fetcher:     fakeFetcher{},
		Engine:      eng,
		Concurrency: 2,
		QueueDepth:  16,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), rs
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
}

func wait(t *testing.T, s *Scheduler, id string) *domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSubmit_StatusSequence(t *testing.T) {
	s, rs := newScheduler(t, okEngine(), nil)
	start(t, s)

	job, err := s.Submit(context.Background(), Request{AccountID: "acct", Document: pdf, Filename: "a.pdf", Options: domain.DefaultOptions()})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Nil(t, job.CompletedAt)

	done := wait(t, s, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Nil(t, done.Error)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, []domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusCompleted}, rs.history(job.ID))
}

func TestSubmit_Validation(t *testing.T) {
	badSchema := domain.DefaultOptions()
	badSchema.Schema = schema.String("not an object")
	badFormat := domain.DefaultOptions()
	badFormat.OutputFormat = "html"

	tests := []struct {
		name string
		req  Request
		want *apperr.Error
	}{
		{"no source", Request{Options: domain.DefaultOptions()}, apperr.ErrInvalidRequest},
		{"both sources", Request{Document: pdf, URL: "https://example.com/a.pdf"}, apperr.ErrInvalidRequest},
		{"too large", Request{Document: append(append([]byte{}, pdf...), make([]byte, 64)...)}, apperr.ErrFileTooLarge},
		{"not a pdf", Request{Document: []byte("PK\x03\x04 zip")}, apperr.ErrInvalidFileFormat},
		{"bad url", Request{URL: "ftp://example.com/a.pdf"}, apperr.ErrInvalidURL},
		{"bad webhook", Request{URL: "https://example.com/a.pdf", WebhookURL: "not a url"}, apperr.ErrInvalidRequest},
		{"bad output format", Request{URL: "https://example.com/a.pdf", Options: badFormat}, apperr.ErrInvalidRequest},
		{"scalar schema", Request{URL: "https://example.com/a.pdf", Options: badSchema}, apperr.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rs := newScheduler(t, okEngine(), func(c *Config) { c.MaxFileSize = 48 })

			_, err := s.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			jobs, err := rs.ListJobs(context.Background(), store.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Zero(t, s.QueueLen())
		})
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	s, rs := newScheduler(t, okEngine(), func(c *Config) { c.QueueDepth = 2 })

	for i := 0; i < 2; i++ {
		_, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf"})
		require.NoError(t, err)
	}
	_, err := s.Submit(context.Background(), Request{URL: "https://example.com/b.pdf"})
	assert.True(t, errors.Is(err, apperr.ErrServiceUnavailable), "got %v", err)

	jobs, err := rs.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestAdmit_PersistFailureRollsBack(t *testing.T) {
	s, _ := newScheduler(t, okEngine(), nil)
	blobs := s.blobs.(*blob.MemoryStore)

	p, err := s.Prepare(Request{AccountID: "acct", Document: pdf})
	require.NoError(t, err)

	err = s.Admit(context.Background(), []*Prepared{p}, func(context.Context, []*domain.Job) error {
		return errors.New("db down")
	})
	assert.True(t, errors.Is(err, &apperr.Error{Code: apperr.CodeInternal}))
	assert.Zero(t, s.QueueLen())

	_, err = blobs.Get(context.Background(), p.Job.Source.BlobKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestCancel_Pending(t *testing.T) {
	var calls atomic.Int32
	eng := engine.Func(func(ctx context.Context, req engine.Request) (*domain.Result, error) {
		calls.Add(1)
		return okEngine()(ctx, req)
	})
	s, rs := newScheduler(t, eng, func(c *Config) { c.Concurrency = 1 })

	job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf"})
	require.NoError(t, err)

	cancelled, err := s.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, apperr.ReasonCancelled, cancelled.Error.Reason)

	// FIFO with one worker: the cancelled job left the queue and never reached the engine.
	start(t, s)
	next, err := s.Submit(context.Background(), Request{URL: "https://example.com/b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, wait(t, s, next.ID).Status)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []domain.JobStatus{domain.JobStatusFailed}, rs.history(job.ID))

	again, err := s.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, again.Status)
}

func TestCancel_PendingFreesQueueSlot(t *testing.T) {
	var calls atomic.Int32
	eng := engine.Func(func(ctx context.Context, req engine.Request) (*domain.Result, error) {
		calls.Add(1)
		return okEngine()(ctx, req)
	})
	s, _ := newScheduler(t, eng, func(c *Config) {
		c.QueueDepth = 2
		c.Concurrency = 1
	})

	var queued []string
	for i := 0; i < 2; i++ {
		job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf"})
		require.NoError(t, err)
		queued = append(queued, job.ID)
	}
	_, err := s.Submit(context.Background(), Request{URL: "https://example.com/b.pdf"})
	require.True(t, errors.Is(err, apperr.ErrServiceUnavailable), "got %v", err)

	for i, id := range queued {
		_, err := s.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, len(queued)-i-1, s.QueueLen())
	}

	var next []string
	for i := 0; i < 2; i++ {
		job, err := s.Submit(context.Background(), Request{URL: "https://example.com/c.pdf"})
		require.NoError(t, err)
		next = append(next, job.ID)
	}
	assert.Equal(t, 2, s.QueueLen())

	start(t, s)
	for _, id := range next {
		assert.Equal(t, domain.JobStatusCompleted, wait(t, s, id).Status)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, s.QueueLen())
}

func TestCancel_Processing(t *testing.T) {
	started := make(chan struct{})
	eng := engine.Func(func(ctx context.Context, _ engine.Request) (*domain.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, _ := newScheduler(t, eng, nil)
	start(t, s)

	job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf"})
	require.NoError(t, err)
	<-started

	snap, err := s.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, snap.Status)

	done := wait(t, s, job.ID)
	assert.Equal(t, domain.JobStatusFailed, done.Status)
	assert.Equal(t, apperr.ReasonCancelled, done.Error.Reason)
}

func TestCancel_NotFound(t *testing.T) {
	s, _ := newScheduler(t, okEngine(), nil)
	_, err := s.Cancel(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestProcess_HardTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	eng := engine.Func(func(context.Context, engine.Request) (*domain.Result, error) {
		<-release // ignores ctx
		return &domain.Result{}, nil
	})
	s, _ := newScheduler(t, eng, func(c *Config) { c.AsyncTimeout = 50 * time.Millisecond })
	start(t, s)

	job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf"})
	require.NoError(t, err)

	done := wait(t, s, job.ID)
	assert.Equal(t, domain.JobStatusFailed, done.Status)
	assert.Equal(t, apperr.CodeTimeout, done.Error.Code)
}

func TestProcess_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		eng    engine.Func
		url    string
		code   apperr.Code
		reason apperr.Reason
		msg    string
	}{
		{
			name: "engine reason",
			eng: func(context.Context, engine.Request) (*domain.Result, error) {
				return nil, apperr.Processing(apperr.ReasonPasswordProtected, "document is password protected")
			},
			code:   apperr.CodeProcessingFailed,
			reason: apperr.ReasonPasswordProtected,
			msg:    "document is password protected",
		},
		{
			name: "internal error is not leaked",
			eng: func(context.Context, engine.Request) (*domain.Result, error) {
				return nil, errors.New("segfault in libfoo at 0xdeadbeef")
			},
			code: apperr.CodeInternal,
			msg:  "internal error during extraction",
		},
		{
			name: "panic",
			eng: func(context.Context, engine.Request) (*domain.Result, error) {
				panic("boom")
			},
			code: apperr.CodeInternal,
			msg:  "internal error during extraction",
		},
		{
			name: "unreachable url",
			eng:  okEngine(),
			url:  "https://unreachable.example/a.pdf",
			code: apperr.CodeInvalidURL,
			msg:  "url could not be fetched",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newScheduler(t, tt.eng, func(c *Config) {
				c.Fetcher = fakeFetcher{
					"https://unreachable.example/a.pdf": apperr.Wrap(apperr.CodeInvalidURL, errors.New("dial tcp"), "url could not be fetched"),
				}
			})
			start(t, s)

			url := tt.url
			if url == "" {
				url = "https://example.com/a.pdf"
			}
			job, err := s.Submit(context.Background(), Request{URL: url})
			require.NoError(t, err)

			done := wait(t, s, job.ID)
			assert.Equal(t, domain.JobStatusFailed, done.Status)
			assert.Nil(t, done.Result)
			require.NotNil(t, done.Error)
			assert.Equal(t, tt.code, done.Error.Code)
			assert.Equal(t, tt.reason, done.Error.Reason)
			assert.Equal(t, tt.msg, done.Error.Message)
		})
	}
}

func TestProcess_ResultShape(t *testing.T) {
	root := schema.Object(
		schema.Prop("total", schema.Number("")),
		schema.Prop("vendor", schema.Object(schema.Prop("name", schema.String("")))),
	)
	opts := domain.DefaultOptions()
	opts.Schema = root

	t.Run("conforming result completes", func(t *testing.T) {
		eng := engine.Func(func(context.Context, engine.Request) (*domain.Result, error) {
			return &domain.Result{Fields: map[string]domain.ExtractedField{
				"total":  {Value: 12.5, Confidence: 0.8},
				"vendor": {Value: map[string]any{"name": nil}},
			}}, nil
		})
		s, _ := newScheduler(t, eng, nil)
		start(t, s)

		job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf", Options: opts})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, wait(t, s, job.ID).Status)
	})

	t.Run("mistyped field fails", func(t *testing.T) {
		eng := engine.Func(func(context.Context, engine.Request) (*domain.Result, error) {
			return &domain.Result{Fields: map[string]domain.ExtractedField{
				"total": {Value: "twelve"},
			}}, nil
		})
		s, _ := newScheduler(t, eng, nil)
		start(t, s)

		job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf", Options: opts})
		require.NoError(t, err)
		done := wait(t, s, job.ID)
		assert.Equal(t, domain.JobStatusFailed, done.Status)
		assert.Equal(t, apperr.CodeInternal, done.Error.Code)
	})
}

func TestSubmitAndWait(t *testing.T) {
	t.Run("terminal", func(t *testing.T) {
		s, _ := newScheduler(t, okEngine(), nil)
		start(t, s)

		job, err := s.SubmitAndWait(context.Background(), Request{Document: pdf})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Equal(t, domain.ModeSync, job.Mode)
	})

	t.Run("partial on timeout", func(t *testing.T) {
		s, _ := newScheduler(t, okEngine(), func(c *Config) { c.SyncTimeout = 30 * time.Millisecond })
		// Not started: the job stays queued.

		job, err := s.SubmitAndWait(context.Background(), Request{Document: pdf})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, job.Status)
		assert.Nil(t, job.Result)
	})
}

func TestListeners_OncePerTerminalTransition(t *testing.T) {
	s, _ := newScheduler(t, okEngine(), func(c *Config) { c.Concurrency = 4 })

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	s.Subscribe(func(_ context.Context, job *domain.Job) {
		mu.Lock()
		defer mu.Unlock()
		seen[job.ID]++
	})
	start(t, s)

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		job, err := s.Submit(context.Background(), Request{URL: "https://example.com/a.pdf"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		wait(t, s, id)
	}

	// Listeners run after waiters are released.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], id)
	}
}

func TestList(t *testing.T) {
	s, _ := newScheduler(t, okEngine(), nil)
	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), Request{AccountID: "acct", URL: "https://example.com/a.pdf"})
		require.NoError(t, err)
	}

	page, more, err := s.List(context.Background(), store.JobFilter{AccountID: "acct", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, more)
}

func TestRecover(t *testing.T) {
	s, rs := newScheduler(t, okEngine(), nil)
	ctx := context.Background()

	pending := &domain.Job{ID: "pending", Status: domain.JobStatusPending, Mode: domain.ModeAsync,
		Source: domain.Source{Kind: domain.SourceURL, URL: "https://example.com/a.pdf"}, Options: domain.DefaultOptions(),
		CreatedAt: time.Now().UTC()}
	stuck := &domain.Job{ID: "stuck", Status: domain.JobStatusPending, Mode: domain.ModeAsync,
		Source: domain.Source{Kind: domain.SourceURL, URL: "https://example.com/b.pdf"}, Options: domain.DefaultOptions(),
		CreatedAt: time.Now().UTC()}
	require.NoError(t, rs.CreateJob(ctx, pending))
	require.NoError(t, rs.CreateJob(ctx, stuck))
	_, err := rs.TransitionJob(ctx, "stuck", domain.Transition{From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, s.Recover(ctx))
	start(t, s)

	assert.Equal(t, domain.JobStatusCompleted, wait(t, s, "pending").Status)

	failed, err := s.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, apperr.ReasonInternalError, failed.Error.Reason)
}
