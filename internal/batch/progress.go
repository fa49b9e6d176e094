package batch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/struktr-app/parser/internal/domain"
)

// retiredTTL is how long a completed batch is remembered so late listeners do
// not recreate its progress state.
const retiredTTL = 10 * time.Minute

// progressState throttles batch.progress events of one batch. Updates refused by
// the limiter are coalesced into the latest counts and sent by a flush timer, or
// folded into the final summary sent right before batch.completed.
type progressState struct {
	limiter *rate.Limiter
	dirty   bool
	latest  domain.BatchCounts
	timer   *time.Timer
}

// stateLocked returns the batch's progress state, or nil once the batch is
// retired. c.mu must be held.
func (c *Coordinator) stateLocked(batchID string) *progressState {
	if _, ok := c.retired[batchID]; ok {
		return nil
	}
	st, ok := c.progress[batchID]
	if !ok {
		limit := rate.Inf
		if c.cfg.ProgressInterval > 0 {
			limit = rate.Every(c.cfg.ProgressInterval)
		}
		st = &progressState{limiter: rate.NewLimiter(limit, 1)}
		c.progress[batchID] = st
	}
	return st
}

func (c *Coordinator) reportProgress(ctx context.Context, batch *domain.Batch, counts domain.BatchCounts) {
	if batch.WebhookURL == "" {
		return
	}

	c.mu.Lock()
	st := c.stateLocked(batch.ID)
	if st == nil {
		c.mu.Unlock()
		return
	}
	if !st.limiter.Allow() {
		// Listeners can observe counts out of order; keep the most advanced.
		if !st.dirty || counts.Terminal() > st.latest.Terminal() {
			st.latest = counts
		}
		st.dirty = true
		if st.timer == nil {
			snap := *batch
			st.timer = time.AfterFunc(c.cfg.ProgressInterval, func() {
				c.flushTimer(context.WithoutCancel(ctx), &snap)
			})
		}
		c.mu.Unlock()
		return
	}
	st.dirty = false
	c.mu.Unlock()

	c.emit(ctx, batch, domain.EventBatchProgress, newProgressEvent(batch.ID, counts))
}

// flushTimer sends the coalesced update of a batch that is still running.
func (c *Coordinator) flushTimer(ctx context.Context, batch *domain.Batch) {
	c.mu.Lock()
	st, ok := c.progress[batch.ID]
	if !ok || !st.dirty {
		if ok {
			st.timer = nil
		}
		c.mu.Unlock()
		return
	}
	st.timer = nil
	st.dirty = false
	counts := st.latest
	st.limiter.Allow()
	c.mu.Unlock()

	c.emit(ctx, batch, domain.EventBatchProgress, newProgressEvent(batch.ID, counts))
}

// flushProgress retires the batch's progress state and sends the final summary.
// Updates still held back by the limiter are covered by it.
func (c *Coordinator) flushProgress(ctx context.Context, batch *domain.Batch, final domain.BatchCounts) {
	now := c.cfg.Now()

	c.mu.Lock()
	if st, ok := c.progress[batch.ID]; ok && st.timer != nil {
		st.timer.Stop()
	}
	delete(c.progress, batch.ID)
	for id, at := range c.retired {
		if now.Sub(at) > retiredTTL {
			delete(c.retired, id)
		}
	}
	c.retired[batch.ID] = now
	c.mu.Unlock()

	c.emit(ctx, batch, domain.EventBatchProgress, newProgressEvent(batch.ID, final))
}

// progressStates is the number of batches with live progress state.
func (c *Coordinator) progressStates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.progress)
}
