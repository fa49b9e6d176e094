package webhook

import (
	"context"
	"log/slog"

	"github.com/struktr-app/parser/internal/domain"
)

// NotifyDocument is a scheduler listener that emits document.completed or
// document.failed for standalone jobs registered with a webhook. Batch members are
// reported by the batch coordinator instead.
func (d *Dispatcher) NotifyDocument(ctx context.Context, job *domain.Job) {
	if job.WebhookURL == "" || job.BatchID != "" || !job.Status.Terminal() {
		return
	}

	event := domain.EventDocumentCompleted
	if job.Status == domain.JobStatusFailed {
		event = domain.EventDocumentFailed
	}

	if _, err := d.Enqueue(ctx, Request{
		AccountID: job.AccountID,
		Event:     event,
		URL:       job.WebhookURL,
		Data:      job,
	}); err != nil {
		d.logger.Error("Failed to enqueue document webhook",
			slog.String("job_id", job.ID),
			slog.String("event", string(event)),
			slog.Any("error", err),
		)
	}
}
