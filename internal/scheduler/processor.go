package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine"
	"github.com/struktr-app/parser/internal/schema"
	"github.com/struktr-app/parser/internal/store"
)

var errCancelled = errors.New("job cancelled")

// processJob claims a queued job, runs the engine under a hard timeout and records
// the outcome. A lost claim means the job was cancelled while queued.
func (s *Scheduler) processJob(ctx context.Context, workerName, jobID string) {
	start := time.Now()

	// Step 1: claim (pending → processing)
	job, err := s.store.TransitionJob(ctx, jobID, domain.Transition{
		From: domain.JobStatusPending,
		To:   domain.JobStatusProcessing,
		At:   s.cfg.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.logger.Info("Job no longer pending, skipping",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
			)
			return
		}
		s.logger.Error("Failed to claim job",
			slog.String("worker_name", workerName),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	s.logger.Info("Processing job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("mode", string(job.Mode)),
	)

	// Step 2: run with the mode's hard timeout, cancellable through Cancel
	timeout := s.cfg.AsyncTimeout
	if job.Mode == domain.ModeSync {
		timeout = s.cfg.SyncTimeout
	}
	jobCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	jobCtx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)

	s.mu.Lock()
	s.running[job.ID] = func() { cancel(errCancelled) }
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	result, err := s.execute(jobCtx, job)
	if err != nil {
		err = s.classify(ctx, jobCtx, err, timeout)
	}

	// Step 3: record the outcome (processing → completed | failed)
	t := domain.Transition{From: domain.JobStatusProcessing, At: s.cfg.Now()}
	if err != nil {
		t.To = domain.JobStatusFailed
		t.Error = domain.NewJobError(err)
		logFailure(s.logger, job.ID, err)
	} else {
		t.To = domain.JobStatusCompleted
		t.Result = result
	}

	// The outcome is written even when the service is shutting down.
	done, err := s.store.TransitionJob(context.WithoutCancel(ctx), job.ID, t)
	if err != nil {
		s.logger.Error("Failed to record job outcome",
			slog.String("job_id", job.ID),
			slog.String("status", string(t.To)),
			slog.Any("error", err),
		)
		return
	}

	s.logger.Info("Job finished",
		slog.String("worker_name", workerName),
		slog.String("job_id", done.ID),
		slog.String("status", string(done.Status)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	s.finish(ctx, done)
}

// execute loads the document and runs the engine. The engine runs in its own
// goroutine so an engine that ignores ctx cannot hold the worker past the deadline.
func (s *Scheduler) execute(ctx context.Context, job *domain.Job) (*domain.Result, error) {
	data, err := s.load(ctx, job)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *domain.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		res, err := s.cfg.Engine.Extract(ctx, engine.Request{JobID: job.ID, Document: data, Options: job.Options})
		ch <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, out.err
	}
	if out.result == nil {
		return nil, errors.New("engine returned no result")
	}
	if err := checkShape(job.Options.Schema, out.result); err != nil {
		return nil, err
	}
	return out.result, nil
}

func (s *Scheduler) load(ctx context.Context, job *domain.Job) ([]byte, error) {
	switch job.Source.Kind {
	case domain.SourceUpload:
		data, err := s.blobs.Get(ctx, job.Source.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("load uploaded document: %w", err)
		}
		return data, nil
	case domain.SourceURL:
		if s.cfg.Fetcher == nil {
			return nil, errors.New("no fetcher configured for url sources")
		}
		return s.cfg.Fetcher.Fetch(ctx, job.Source.URL)
	}
	return nil, fmt.Errorf("unknown source kind %q", job.Source.Kind)
}

// checkShape verifies schema-guided fields against the declared structure.
func checkShape(root *schema.Field, result *domain.Result) error {
	if root == nil {
		return nil
	}
	values := make(map[string]any, len(result.Fields))
	for name, f := range result.Fields {
		values[name] = f.Value
	}
	for _, p := range root.Properties {
		if _, ok := values[p.Name]; !ok {
			values[p.Name] = nil
		}
	}
	for name := range values {
		if _, ok := root.Lookup(name); !ok {
			return fmt.Errorf("result field %q is not declared in the schema", name)
		}
	}
	if err := schema.ValidateResult(root, values); err != nil {
		return fmt.Errorf("engine result: %w", err)
	}
	return nil
}

// classify maps context failures onto the error taxonomy.
func (s *Scheduler) classify(parent, jobCtx context.Context, err error, timeout time.Duration) error {
	switch {
	case parent.Err() != nil:
		return apperr.Processing(apperr.ReasonInternalError, "extraction interrupted by shutdown")
	case errors.Is(context.Cause(jobCtx), errCancelled):
		return apperr.Processing(apperr.ReasonCancelled, "job was cancelled")
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return apperr.New(apperr.CodeTimeout, "extraction exceeded %s", timeout).
			WithDetail("timeout_seconds", int(timeout.Seconds()))
	}
	return err
}

func logFailure(logger *slog.Logger, jobID string, err error) {
	ae := apperr.From(err)
	attrs := []any{
		slog.String("job_id", jobID),
		slog.String("code", string(ae.Code)),
		slog.String("reason", string(ae.Reason)),
		slog.Any("error", err),
	}
	if ae.Code == apperr.CodeInternal {
		logger.Error("Job failed", attrs...)
		return
	}
	logger.Warn("Job failed", attrs...)
}
