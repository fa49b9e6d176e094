package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
	"github.com/struktr-app/parser/internal/store/memory"
)

const secret = "whsec_test"

type secrets map[string]string

func (s secrets) WebhookSecret(accountID string) (string, bool) {
	v, ok := s[accountID]
	return v, ok
}

// fakeClock runs scheduled attempts immediately and advances time by their delay.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	f()
	return firedTimer{}
}

type sinkRecorder struct {
	mu      sync.Mutex
	letters []*domain.DeadLetter
}

func (s *sinkRecorder) Publish(_ context.Context, dl *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func newDispatcher(t *testing.T, mutate func(*Config)) (*Dispatcher, *memory.Store, *fakeClock, *sinkRecorder) {
	t.Helper()
	st := memory.New()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &sinkRecorder{}
	cfg := Config{
		Store:       st,
		Secrets:     secrets{"acct": secret},
		DeadLetters: sink,
		Now:         clock.Now,
		After:       clock.After,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewDispatcher(cfg), st, clock, sink
}

// receiver fails the first n requests with 500.
func receiver(t *testing.T, failures int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(hits.Add(1)) <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"document.completed","data":{"id":"1"}}`)
	header := SignatureHeader(secret, payload)

	assert.True(t, Verify(secret, payload, header))
	assert.True(t, Verify(secret, payload, Sign(secret, payload)))
	assert.False(t, Verify("other", payload, header))
	assert.False(t, Verify(secret, payload, "sha256=zz"))

	tampered := append([]byte(nil), payload...)
	tampered[10] ^= 0x01
	assert.False(t, Verify(secret, tampered, header))
}

func TestEnqueue_DeliversSignedEnvelope(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, headers = b, r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st, _, _ := newDispatcher(t, nil)
	delivery, err := d.Enqueue(context.Background(), Request{
		AccountID: "acct",
		Event:     domain.EventDocumentCompleted,
		URL:       srv.URL,
		Data:      map[string]any{"id": "job-1"},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, Verify(secret, body, headers.Get(HeaderSignature)))
	assert.Equal(t, "document.completed", headers.Get(HeaderEvent))
	assert.Equal(t, delivery.ID, headers.Get(HeaderDelivery))
	assert.NotEmpty(t, headers.Get(HeaderTimestamp))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	var env struct {
		Event     string         `json:"event"`
		Timestamp time.Time      `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "document.completed", env.Event)
	assert.Equal(t, "job-1", env.Data["id"])

	saved, err := st.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySucceeded, saved.Status)
	assert.Equal(t, 1, saved.Attempts)
}

func TestEnqueue_UnknownAccount(t *testing.T) {
	d, _, _, _ := newDispatcher(t, nil)
	_, err := d.Enqueue(context.Background(), Request{AccountID: "nobody", Event: domain.EventBatchCompleted, URL: "http://localhost"})
	assert.Error(t, err)
}

func TestRetrySchedule_FiveFailuresThenSuccess(t *testing.T) {
	srv, hits := receiver(t, 5)
	d, st, clock, sink := newDispatcher(t, nil)

	delivery, err := d.Enqueue(context.Background(), Request{AccountID: "acct", Event: domain.EventDocumentFailed, URL: srv.URL, Data: "x"})
	require.NoError(t, err)

	attempts, err := st.ListAttempts(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 6)
	assert.Equal(t, int32(6), hits.Load())

	for i := 1; i < len(attempts); i++ {
		assert.Equal(t, RetryDelays[i-1], attempts[i].ScheduledAt.Sub(attempts[i-1].ScheduledAt), "attempt %d", i+1)
		assert.Equal(t, domain.OutcomeError, attempts[i-1].Outcome)
		assert.Equal(t, http.StatusInternalServerError, attempts[i-1].StatusCode)
	}
	assert.Equal(t, domain.OutcomeSuccess, attempts[5].Outcome)
	assert.Equal(t, append([]time.Duration{0}, RetryDelays...), clock.delays)

	saved, err := st.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySucceeded, saved.Status)
	assert.Empty(t, sink.letters)
}

func TestRetrySchedule_AlwaysFails(t *testing.T) {
	srv, hits := receiver(t, 1000)
	d, st, clock, sink := newDispatcher(t, nil)

	delivery, err := d.Enqueue(context.Background(), Request{AccountID: "acct", Event: domain.EventBatchCompleted, URL: srv.URL, Data: "x"})
	require.NoError(t, err)

	attempts, err := st.ListAttempts(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, MaxAttempts)
	assert.Equal(t, int32(6), hits.Load())
	assert.Len(t, clock.delays, 6)

	saved, err := st.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, saved.Status)
	assert.Equal(t, 6, saved.Attempts)
	assert.NotNil(t, saved.CompletedAt)
	assert.Nil(t, saved.NextAttemptAt)

	require.Len(t, sink.letters, 1)
	assert.Equal(t, delivery.ID, sink.letters[0].DeliveryID)
	assert.Equal(t, 6, sink.letters[0].Attempts)
	assert.Equal(t, "receiver responded 500", sink.letters[0].LastError)
}

func TestAttempt_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d, st, _, _ := newDispatcher(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })
	delivery, err := d.Enqueue(context.Background(), Request{AccountID: "acct", Event: domain.EventDocumentCompleted, URL: srv.URL})
	require.NoError(t, err)

	attempts, err := st.ListAttempts(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Len(t, attempts, MaxAttempts)
	assert.Equal(t, domain.OutcomeTimeout, attempts[0].Outcome)
}

func TestNotifyDocument(t *testing.T) {
	srv, hits := receiver(t, 0)
	d, _, _, _ := newDispatcher(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	d.NotifyDocument(ctx, &domain.Job{ID: "a", AccountID: "acct", Status: domain.JobStatusCompleted, WebhookURL: srv.URL, CompletedAt: &now})
	d.NotifyDocument(ctx, &domain.Job{ID: "b", AccountID: "acct", Status: domain.JobStatusFailed, WebhookURL: srv.URL, BatchID: "batch"})
	d.NotifyDocument(ctx, &domain.Job{ID: "c", AccountID: "acct", Status: domain.JobStatusFailed})

	list, err := d.List(ctx, store.DeliveryFilter{AccountID: "acct"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.EventDocumentCompleted, list[0].Event)
	assert.Equal(t, int32(1), hits.Load())

	attempts, err := d.Attempts(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestRecover(t *testing.T) {
	srv, hits := receiver(t, 0)
	d, st, clock, _ := newDispatcher(t, nil)
	ctx := context.Background()

	next := clock.Now().Add(5 * time.Minute)
	payload := []byte(`{"event":"batch.progress"}`)
	require.NoError(t, st.CreateDelivery(ctx, &domain.Delivery{
		ID: "d1", AccountID: "acct", Event: domain.EventBatchProgress, URL: srv.URL,
		Payload: payload, Signature: SignatureHeader(secret, payload),
		Status: domain.DeliveryPending, NextAttemptAt: &next, CreatedAt: clock.Now(),
	}))

	require.NoError(t, d.Recover(ctx))

	assert.Equal(t, []time.Duration{5 * time.Minute}, clock.delays)
	assert.Equal(t, int32(1), hits.Load())
	saved, err := st.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySucceeded, saved.Status)
}

func TestStop_CancelsScheduledRetries(t *testing.T) {
	srv, _ := receiver(t, 1000)
	st := memory.New()
	d := NewDispatcher(Config{Store: st, Secrets: secrets{"acct": secret}})

	delivery, err := d.Enqueue(context.Background(), Request{AccountID: "acct", Event: domain.EventDocumentCompleted, URL: srv.URL})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		attempts, err := st.ListAttempts(context.Background(), delivery.ID)
		return err == nil && len(attempts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	saved, err := st.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, saved.Status)
}
