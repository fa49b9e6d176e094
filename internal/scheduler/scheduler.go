// Package scheduler accepts parse requests, queues them in a bounded FIFO and runs
// them on a fixed pool of workers that drive jobs through the store's guarded
// transitions.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/blob"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine"
	"github.com/struktr-app/parser/internal/store"
)

const (
	DefaultConcurrency  = 4
	DefaultQueueDepth   = 1000
	DefaultMaxFileSize  = 50 << 20
	DefaultSyncTimeout  = 60 * time.Second
	DefaultAsyncTimeout = 5 * time.Minute
)

// Fetcher loads URL sources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Listener is called once per job terminal transition, by the worker that won it.
type Listener func(ctx context.Context, job *domain.Job)

type Config struct {
	Logger  *slog.Logger
	Store   store.JobStore
	Blobs   blob.Store
	Fetcher Fetcher
	Engine  engine.Engine

	WorkerID     string
	Concurrency  int
	QueueDepth   int
	MaxFileSize  int64
	SyncTimeout  time.Duration
	AsyncTimeout time.Duration

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WorkerID == "" {
		c.WorkerID = "scheduler"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.AsyncTimeout <= 0 {
		c.AsyncTimeout = DefaultAsyncTimeout
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	store  store.JobStore
	blobs  blob.Store

	ready    chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	reserved  int // queued jobs plus slots held by submissions in flight
	queue     *list.List
	queued    map[string]*list.Element
	running   map[string]context.CancelFunc
	waiters   map[string][]chan *domain.Job
	listeners []Listener
}

func New(cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger,
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		stopChan: make(chan struct{}),
		queue:    list.New(),
		queued:   make(map[string]*list.Element),
		ready:    make(chan struct{}, 1),
		running:  make(map[string]context.CancelFunc),
		waiters:  make(map[string][]chan *domain.Job),
	}
}

// Subscribe registers l for terminal transitions. It must be called before Start.
func (s *Scheduler) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start spawns the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		slog.Int("concurrency", s.cfg.Concurrency),
		slog.Int("queue_depth", s.cfg.QueueDepth),
		slog.Duration("sync_timeout", s.cfg.SyncTimeout),
		slog.Duration("async_timeout", s.cfg.AsyncTimeout),
	)
	s.spawnWorkerPool(ctx)
}

// Stop waits for in-flight jobs to finish. Jobs still queued stay pending in the
// store and are picked up by Recover on the next start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler...")
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

// QueueLen is the number of reserved queue slots.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}

// reserve takes n queue slots, all or nothing.
func (s *Scheduler) reserve(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved+n > s.cfg.QueueDepth {
		return false
	}
	s.reserved += n
	return true
}

func (s *Scheduler) release(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved -= n
}

// Get returns the current snapshot of a job.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, storeError(err, "job %s not found", id)
	}
	return job, nil
}

// List returns one page of jobs, newest first, and whether more exist.
func (s *Scheduler) List(ctx context.Context, filter store.JobFilter) ([]*domain.Job, bool, error) {
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.CodeInternal, err, "list jobs")
	}
	more := len(jobs) > filter.Limit()
	if more {
		jobs = jobs[:filter.Limit()]
	}
	return jobs, more, nil
}

// Wait blocks until the job is terminal or ctx is done. It subscribes to the
// terminal transition instead of polling the store.
func (s *Scheduler) Wait(ctx context.Context, id string) (*domain.Job, error) {
	ch := make(chan *domain.Job, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	defer s.removeWaiter(id, ch)

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	select {
	case done := <-ch:
		return done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) removeWaiter(id string, ch chan *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = chans
	}
}

// Cancel fails a pending job with reason cancelled and gives its queue slot back.
// For a processing job it cancels the extraction context; the engine may still
// finish first, in which case the job completes normally. Terminal jobs are
// returned unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == domain.JobStatusPending {
		updated, err := s.store.TransitionJob(ctx, id, domain.Transition{
			From:  domain.JobStatusPending,
			To:    domain.JobStatusFailed,
			At:    s.cfg.Now(),
			Error: cancelledError(),
		})
		switch {
		case err == nil:
			// Jobs left pending by recovery overflow are not in the queue.
			withdrawn := s.withdraw(id)
			s.logger.Info("Job cancelled while pending",
				slog.String("job_id", id),
				slog.Bool("withdrawn", withdrawn),
			)
			s.finish(ctx, updated)
			return updated, nil
		case errors.Is(err, store.ErrConflict):
			// A worker claimed it in the meantime.
			if job, err = s.Get(ctx, id); err != nil {
				return nil, err
			}
		default:
			return nil, apperr.Wrap(apperr.CodeInternal, err, "cancel job")
		}
	}

	if job.Status == domain.JobStatusProcessing {
		s.mu.Lock()
		cancel, ok := s.running[id]
		s.mu.Unlock()
		if ok {
			s.logger.Info("Cancelling in-flight extraction", slog.String("job_id", id))
			cancel()
		}
	}
	return job, nil
}

func cancelledError() *domain.JobError {
	return &domain.JobError{
		Code:    apperr.CodeProcessingFailed,
		Reason:  apperr.ReasonCancelled,
		Message: "job was cancelled",
	}
}

// finish fans a terminal job out to waiters and listeners. Only the caller that won
// the terminal transition may call it.
func (s *Scheduler) finish(ctx context.Context, job *domain.Job) {
	s.mu.Lock()
	waiters := s.waiters[job.ID]
	delete(s.waiters, job.ID)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- job.Clone()
	}

	ctx = context.WithoutCancel(ctx)
	for _, l := range listeners {
		s.notify(ctx, l, job.Clone())
	}
}

func (s *Scheduler) notify(ctx context.Context, l Listener, job *domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Terminal listener panicked",
				slog.String("job_id", job.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l(ctx, job)
}

func storeError(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return apperr.Wrap(apperr.CodeInternal, err, "job store")
}
