// Package batch fans a multi-document submission out to the scheduler and reports
// aggregate progress and completion.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/export"
	"github.com/struktr-app/parser/internal/scheduler"
	"github.com/struktr-app/parser/internal/store"
	"github.com/struktr-app/parser/internal/webhook"
)

const (
	DefaultMaxSize          = 100
	DefaultProgressInterval = time.Second
)

// Scheduler is the part of the job scheduler the coordinator drives.
type Scheduler interface {
	Prepare(req scheduler.Request) (*scheduler.Prepared, error)
	Admit(ctx context.Context, prepared []*scheduler.Prepared, persist func(ctx context.Context, jobs []*domain.Job) error) error
}

// Notifier enqueues webhook events.
type Notifier interface {
	Enqueue(ctx context.Context, req webhook.Request) (*domain.Delivery, error)
}

type Store interface {
	store.JobStore
	store.BatchStore
}

type Config struct {
	Logger    *slog.Logger
	Store     Store
	Scheduler Scheduler
	Notifier  Notifier
	MaxSize   int
	// ProgressInterval is the minimum gap between batch.progress events of one
	// batch. Zero or less sends one event per member completion.
	ProgressInterval time.Duration

	Now   func() time.Time
	NewID func() string
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// Source is one document of a batch. Exactly one of Document and URL is set.
type Source struct {
	Document []byte
	Filename string
	URL      string
}

type Request struct {
	AccountID  string
	Sources    []Source
	Options    domain.Options
	WebhookURL string
}

// Snapshot is a batch together with its derived counts and member summaries.
type Snapshot struct {
	Batch     *domain.Batch
	Counts    domain.BatchCounts
	Documents []domain.MemberSummary
}

type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	store  Store

	mu       sync.Mutex
	progress map[string]*progressState
	retired  map[string]time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger,
		store:    cfg.Store,
		progress: make(map[string]*progressState),
		retired:  make(map[string]time.Time),
	}
}

// SubmitBatch validates every source, then creates the batch and its members in one
// step and queues the members. The first invalid source rejects the whole batch.
func (c *Coordinator) SubmitBatch(ctx context.Context, req Request) (*Snapshot, error) {
	switch n := len(req.Sources); {
	case n == 0:
		return nil, apperr.InvalidRequest("a batch needs at least one document")
	case n > c.cfg.MaxSize:
		return nil, apperr.InvalidRequest("a batch accepts at most %d documents", c.cfg.MaxSize).
			WithDetail("max_size", c.cfg.MaxSize).
			WithDetail("received", n)
	}
	if req.WebhookURL != "" {
		if err := scheduler.ValidateWebhookURL(req.WebhookURL); err != nil {
			return nil, err
		}
	}

	batch := &domain.Batch{
		ID:         c.cfg.NewID(),
		AccountID:  req.AccountID,
		Status:     domain.BatchStatusProcessing,
		WebhookURL: req.WebhookURL,
		CreatedAt:  c.cfg.Now(),
	}

	prepared := make([]*scheduler.Prepared, 0, len(req.Sources))
	for i, src := range req.Sources {
		p, err := c.cfg.Scheduler.Prepare(scheduler.Request{
			AccountID: req.AccountID,
			Document:  src.Document,
			Filename:  src.Filename,
			URL:       src.URL,
			Options:   req.Options,
			Mode:      domain.ModeAsync,
		})
		if err != nil {
			return nil, apperr.From(err).WithDetail("index", i)
		}
		p.Job.BatchID = batch.ID
		batch.MemberJobIDs = append(batch.MemberJobIDs, p.Job.ID)
		prepared = append(prepared, p)
	}

	var members []*domain.Job
	persist := func(ctx context.Context, jobs []*domain.Job) error {
		members = jobs
		return c.store.CreateBatch(ctx, batch, jobs)
	}
	if err := c.cfg.Scheduler.Admit(ctx, prepared, persist); err != nil {
		return nil, err
	}

	c.logger.Info("Batch submitted",
		slog.String("batch_id", batch.ID),
		slog.String("account_id", batch.AccountID),
		slog.Int("documents", len(members)),
	)
	return snapshot(batch, members), nil
}

// GetBatch returns the batch with counts derived from its members' current state.
func (c *Coordinator) GetBatch(ctx context.Context, id string) (*Snapshot, error) {
	batch, members, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return snapshot(batch, members), nil
}

// Export renders the batch as an XLSX workbook.
func (c *Coordinator) Export(ctx context.Context, id string) ([]byte, error) {
	batch, members, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := export.BatchWorkbook(batch, members)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "export batch")
	}
	c.logger.Info("Batch exported", slog.String("batch_id", id), slog.Int("bytes", len(data)))
	return data, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*domain.Batch, []*domain.Job, error) {
	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.NotFound("batch %s not found", id)
		}
		return nil, nil, fmt.Errorf("get batch: %w", err)
	}
	members, err := c.store.GetJobs(ctx, batch.MemberJobIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("get batch members: %w", err)
	}
	return batch, members, nil
}

func snapshot(batch *domain.Batch, members []*domain.Job) *Snapshot {
	return &Snapshot{
		Batch:     batch,
		Counts:    domain.CountMembers(members),
		Documents: domain.Summarize(members),
	}
}

// OnJobTerminal is a scheduler listener. It recomputes the member's batch from the
// store, reports progress and completes the batch once every member is terminal.
// Only the caller whose completion CAS succeeds emits batch.completed.
func (c *Coordinator) OnJobTerminal(ctx context.Context, job *domain.Job) {
	if job.BatchID == "" {
		return
	}
	logger := c.logger.With(slog.String("batch_id", job.BatchID), slog.String("job_id", job.ID))

	batch, members, err := c.load(ctx, job.BatchID)
	if err != nil {
		logger.Error("Failed to load batch for aggregation", slog.Any("error", err))
		return
	}
	if batch.Status == domain.BatchStatusCompleted {
		return
	}

	counts := domain.CountMembers(members)
	if !counts.Done() {
		c.reportProgress(ctx, batch, counts)
		return
	}
	if _, err := c.complete(ctx, logger, batch, members, counts); err != nil {
		logger.Error("Failed to complete batch", slog.Any("error", err))
	}
}

// Recover completes processing batches whose members all reached a terminal
// status before the previous run could record it. It runs after the scheduler's
// own recovery.
func (c *Coordinator) Recover(ctx context.Context) error {
	ids, err := c.store.ListBatchIDs(ctx, domain.BatchStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing batches: %w", err)
	}

	completed := 0
	for _, id := range ids {
		logger := c.logger.With(slog.String("batch_id", id))
		batch, members, err := c.load(ctx, id)
		if err != nil {
			logger.Warn("Failed to load batch during recovery", slog.Any("error", err))
			continue
		}
		counts := domain.CountMembers(members)
		if !counts.Done() {
			continue
		}
		won, err := c.complete(ctx, logger, batch, members, counts)
		if err != nil {
			logger.Warn("Failed to complete batch during recovery", slog.Any("error", err))
			continue
		}
		if won {
			completed++
		}
	}

	c.logger.Info("Batch recovery finished",
		slog.Int("processing", len(ids)),
		slog.Int("completed", completed),
	)
	return nil
}

// complete runs the completion CAS and, when it wins, sends the final progress
// summary followed by batch.completed.
func (c *Coordinator) complete(ctx context.Context, logger *slog.Logger, batch *domain.Batch, members []*domain.Job, counts domain.BatchCounts) (bool, error) {
	now := c.cfg.Now()
	won, err := c.store.CompleteBatch(ctx, batch.ID, now)
	if err != nil || !won {
		return false, err
	}
	batch.Status = domain.BatchStatusCompleted
	batch.CompletedAt = &now

	c.flushProgress(ctx, batch, counts)

	logger.Info("Batch completed",
		slog.Int("total", counts.Total),
		slog.Int("succeeded", counts.Succeeded),
		slog.Int("failed", counts.Failed),
	)
	c.emit(ctx, batch, domain.EventBatchCompleted, completedEvent{
		BatchID:     batch.ID,
		Status:      batch.Status,
		Total:       counts.Total,
		Succeeded:   counts.Succeeded,
		Failed:      counts.Failed,
		CompletedAt: now,
		Documents:   domain.Summarize(members),
	})
	return true, nil
}

type progressEvent struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Pending   int    `json:"pending"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

func newProgressEvent(batchID string, counts domain.BatchCounts) progressEvent {
	return progressEvent{
		BatchID:   batchID,
		Total:     counts.Total,
		Completed: counts.Terminal(),
		Pending:   counts.Total - counts.Terminal(),
		Succeeded: counts.Succeeded,
		Failed:    counts.Failed,
	}
}

type completedEvent struct {
	BatchID     string                 `json:"batch_id"`
	Status      domain.BatchStatus     `json:"status"`
	Total       int                    `json:"total"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	CompletedAt time.Time              `json:"completed_at"`
	Documents   []domain.MemberSummary `json:"documents"`
}

func (c *Coordinator) emit(ctx context.Context, batch *domain.Batch, event domain.EventType, data any) {
	if batch.WebhookURL == "" || c.cfg.Notifier == nil {
		return
	}
	if _, err := c.cfg.Notifier.Enqueue(ctx, webhook.Request{
		AccountID: batch.AccountID,
		Event:     event,
		URL:       batch.WebhookURL,
		Data:      data,
	}); err != nil {
		c.logger.Error("Failed to enqueue batch webhook",
			slog.String("batch_id", batch.ID),
			slog.String("event", string(event)),
			slog.Any("error", err),
		)
	}
}
