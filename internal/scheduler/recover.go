package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

// Recover re-queues jobs left pending by a previous run, oldest first, and fails jobs
// that were processing when it stopped. It must run before new submissions are
// accepted. Pending jobs that do not fit in the queue stay pending.
func (s *Scheduler) Recover(ctx context.Context) error {
	pending, err := s.collect(ctx, domain.JobStatusPending)
	if err != nil {
		return err
	}
	requeued := 0
	for i := len(pending) - 1; i >= 0; i-- {
		if !s.reserve(1) {
			s.logger.Warn("Queue full during recovery, leaving jobs pending",
				slog.Int("remaining", i+1),
			)
			break
		}
		s.enqueue(pending[i].ID)
		requeued++
	}

	processing, err := s.collect(ctx, domain.JobStatusProcessing)
	if err != nil {
		return err
	}
	interrupted := 0
	for _, job := range processing {
		done, err := s.store.TransitionJob(ctx, job.ID, domain.Transition{
			From: domain.JobStatusProcessing,
			To:   domain.JobStatusFailed,
			At:   s.cfg.Now(),
			Error: &domain.JobError{
				Code:    apperr.CodeProcessingFailed,
				Reason:  apperr.ReasonInternalError,
				Message: "extraction was interrupted by a service restart",
			},
		})
		if err != nil {
			s.logger.Warn("Failed to fail interrupted job", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		interrupted++
		s.finish(ctx, done)
	}

	s.logger.Info("Scheduler recovery finished",
		slog.Int("requeued", requeued),
		slog.Int("interrupted", interrupted),
	)
	return nil
}

// collect pages through every job in status, newest first.
func (s *Scheduler) collect(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	var (
		out    []*domain.Job
		cursor *store.Cursor
	)
	for {
		filter := store.JobFilter{Status: status, PageSize: store.MaxPageSize, Cursor: cursor}
		page, err := s.store.ListJobs(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", status, err)
		}
		more := len(page) > filter.Limit()
		if more {
			page = page[:filter.Limit()]
		}
		out = append(out, page...)
		if !more {
			return out, nil
		}
		last := page[len(page)-1]
		cursor = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}
