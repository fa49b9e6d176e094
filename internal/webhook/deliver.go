package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

// attempt performs the next attempt of delivery id and records its outcome. The
// store rejects the record if another attempt with the same number already landed.
func (d *Dispatcher) attempt(id string) {
	d.sem <- struct{}{}
	next, ok := d.deliverOnce(id)
	<-d.sem

	if ok {
		d.schedule(id, next)
	}
}

// deliverOnce returns the delay before the following attempt and whether one is due.
func (d *Dispatcher) deliverOnce(id string) (next time.Duration, retry bool) {
	ctx := context.Background()

	delivery, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		d.logger.Error("Failed to load webhook delivery", slog.String("delivery_id", id), slog.Any("error", err))
		return 0, false
	}
	if delivery.Status != domain.DeliveryPending {
		return 0, false
	}

	number := delivery.Attempts + 1
	scheduled := delivery.CreatedAt
	if delivery.NextAttemptAt != nil {
		scheduled = *delivery.NextAttemptAt
	}

	started := d.cfg.Now()
	status, postErr := d.post(ctx, delivery, number)
	finished := d.cfg.Now()

	attempt := domain.DeliveryAttempt{
		DeliveryID:  id,
		Number:      number,
		ScheduledAt: scheduled,
		AttemptedAt: started,
		StatusCode:  status,
		DurationMS:  finished.Sub(started).Milliseconds(),
		Outcome:     domain.OutcomeSuccess,
	}

	var update store.AttemptUpdate
	switch {
	case postErr == nil:
		update = store.AttemptUpdate{Status: domain.DeliverySucceeded, CompletedAt: &finished}
	case number >= MaxAttempts:
		attempt.Outcome, attempt.Error = failure(postErr)
		update = store.AttemptUpdate{Status: domain.DeliveryFailed, LastError: attempt.Error, CompletedAt: &finished}
	default:
		attempt.Outcome, attempt.Error = failure(postErr)
		at := finished.Add(RetryDelays[number-1])
		update = store.AttemptUpdate{Status: domain.DeliveryPending, LastError: attempt.Error, NextAttemptAt: &at}
	}

	saved, err := d.store.RecordAttempt(ctx, attempt, update)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			d.logger.Warn("Webhook attempt already recorded, dropping duplicate",
				slog.String("delivery_id", id),
				slog.Int("attempt", number),
			)
			return 0, false
		}
		d.logger.Error("Failed to record webhook attempt",
			slog.String("delivery_id", id),
			slog.Int("attempt", number),
			slog.Any("error", err),
		)
		return 0, false
	}

	switch saved.Status {
	case domain.DeliverySucceeded:
		d.logger.Info("Webhook delivered",
			slog.String("delivery_id", id),
			slog.String("event", string(saved.Event)),
			slog.Int("attempt", number),
			slog.Int("status_code", status),
		)
		return 0, false
	case domain.DeliveryFailed:
		d.deadLetter(ctx, saved)
		return 0, false
	}

	delay := RetryDelays[number-1]
	d.logger.Warn("Webhook attempt failed, retrying",
		slog.String("delivery_id", id),
		slog.Int("attempt", number),
		slog.Duration("retry_in", delay),
		slog.String("error", attempt.Error),
	)
	return delay, true
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("receiver responded %d", e.code)
}

// post sends one attempt. Any non-2xx status is an error.
func (d *Dispatcher) post(ctx context.Context, delivery *domain.Delivery, number int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "struktr-webhooks/1.0")
	req.Header.Set(HeaderSignature, delivery.Signature)
	req.Header.Set(HeaderEvent, string(delivery.Event))
	req.Header.Set(HeaderDelivery, delivery.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(delivery.CreatedAt.Unix(), 10))
	req.Header.Set(HeaderAttempt, strconv.Itoa(number))

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, &statusError{code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func failure(err error) (domain.AttemptOutcome, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeTimeout, "timed out waiting for receiver"
	}
	var se *statusError
	if errors.As(err, &se) {
		return domain.OutcomeError, se.Error()
	}
	return domain.OutcomeError, err.Error()
}

func (d *Dispatcher) deadLetter(ctx context.Context, delivery *domain.Delivery) {
	dl := &domain.DeadLetter{
		DeliveryID: delivery.ID,
		AccountID:  delivery.AccountID,
		Event:      delivery.Event,
		URL:        delivery.URL,
		Attempts:   delivery.Attempts,
		LastError:  delivery.LastError,
		FailedAt:   d.cfg.Now(),
	}
	if delivery.CompletedAt != nil {
		dl.FailedAt = *delivery.CompletedAt
	}

	d.logger.Error("Webhook delivery permanently failed",
		slog.String("delivery_id", delivery.ID),
		slog.String("account_id", delivery.AccountID),
		slog.String("event", string(delivery.Event)),
		slog.String("url", delivery.URL),
		slog.Int("attempts", delivery.Attempts),
		slog.String("last_error", delivery.LastError),
	)

	if d.cfg.DeadLetters == nil {
		return
	}
	if err := d.cfg.DeadLetters.Publish(ctx, dl); err != nil {
		d.logger.Error("Failed to publish dead letter",
			slog.String("delivery_id", delivery.ID),
			slog.Any("error", err),
		)
	}
}
