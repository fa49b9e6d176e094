// Package webhook delivers signed event notifications with a fixed retry schedule.
// Delivery is at least once: receivers deduplicate on the delivery id.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

const (
	HeaderSignature = "X-Struktr-Signature"
	HeaderEvent     = "X-Struktr-Event"
	HeaderDelivery  = "X-Struktr-Delivery"
	HeaderTimestamp = "X-Struktr-Timestamp"
	HeaderAttempt   = "X-Struktr-Attempt"

	DefaultTimeout     = 30 * time.Second
	DefaultConcurrency = 16
)

// RetryDelays are the waits before attempts 2 through 6.
var RetryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// MaxAttempts is the total number of attempts per delivery.
var MaxAttempts = len(RetryDelays) + 1

// Envelope is the JSON body of every delivery.
type Envelope struct {
	Event     domain.EventType `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Data      any              `json:"data"`
}

// Secrets resolves an account's webhook signing secret.
type Secrets interface {
	WebhookSecret(accountID string) (string, bool)
}

// DeadLetterSink receives deliveries that exhausted every attempt.
type DeadLetterSink interface {
	Publish(ctx context.Context, dl *domain.DeadLetter) error
}

// Timer is the handle of a scheduled attempt.
type Timer interface {
	Stop() bool
}

type Config struct {
	Logger      *slog.Logger
	Store       store.DeliveryStore
	Secrets     Secrets
	DeadLetters DeadLetterSink
	Client      *http.Client
	Timeout     time.Duration
	Concurrency int

	// Now, NewID and After are replaceable for tests. After schedules f after d.
	Now   func() time.Time
	NewID func() string
	After func(d time.Duration, f func()) Timer
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.After == nil {
		c.After = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
}

// Request is one event to deliver.
type Request struct {
	AccountID string
	Event     domain.EventType
	URL       string
	Data      any
}

type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	store  store.DeliveryStore
	sem    chan struct{}

	mu      sync.Mutex
	timers  map[string]*pendingAttempt
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg Config) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  cfg.Store,
		sem:    make(chan struct{}, cfg.Concurrency),
		timers: make(map[string]*pendingAttempt),
	}
}

// Enqueue signs and persists a delivery and schedules its first attempt immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (*domain.Delivery, error) {
	if req.URL == "" {
		return nil, apperr.InvalidRequest("webhook url is required")
	}
	secret, ok := d.cfg.Secrets.WebhookSecret(req.AccountID)
	if !ok {
		return nil, apperr.New(apperr.CodeInternal, "no webhook secret for account %s", req.AccountID)
	}

	now := d.cfg.Now()
	payload, err := json.Marshal(Envelope{Event: req.Event, Timestamp: now, Data: req.Data})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook envelope: %w", err)
	}

	delivery := &domain.Delivery{
		ID:            d.cfg.NewID(),
		AccountID:     req.AccountID,
		Event:         req.Event,
		URL:           req.URL,
		Payload:       payload,
		Signature:     SignatureHeader(secret, payload),
		Status:        domain.DeliveryPending,
		NextAttemptAt: &now,
		CreatedAt:     now,
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	d.logger.Info("Webhook delivery enqueued",
		slog.String("delivery_id", delivery.ID),
		slog.String("event", string(req.Event)),
		slog.String("account_id", req.AccountID),
	)
	d.schedule(delivery.ID, 0)
	return delivery, nil
}

// Recover schedules every pending delivery at its recorded next attempt time.
func (d *Dispatcher) Recover(ctx context.Context) error {
	pending, err := d.store.PendingDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("load pending deliveries: %w", err)
	}
	now := d.cfg.Now()
	for _, p := range pending {
		var delay time.Duration
		if p.NextAttemptAt != nil && p.NextAttemptAt.After(now) {
			delay = p.NextAttemptAt.Sub(now)
		}
		d.schedule(p.ID, delay)
	}
	d.logger.Info("Webhook deliveries recovered", slog.Int("pending", len(pending)))
	return nil
}

// Stop cancels scheduled attempts and waits for in-flight ones. Pending deliveries
// stay pending in the store for Recover.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for id, p := range d.timers {
		// A stopped timer never runs its callback, so release its slot here.
		if p.timer != nil && p.timer.Stop() {
			d.wg.Done()
		}
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("Webhook dispatcher stopped")
}

// List returns deliveries for the operator view.
func (d *Dispatcher) List(ctx context.Context, filter store.DeliveryFilter) ([]*domain.Delivery, error) {
	return d.store.ListDeliveries(ctx, filter)
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	delivery, err := d.store.GetDelivery(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("delivery %s not found", id)
	}
	return delivery, err
}

// Attempts returns the attempt log of one delivery.
func (d *Dispatcher) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	attempts, err := d.store.ListAttempts(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("delivery %s not found", id)
	}
	return attempts, err
}

// schedule arranges one attempt of delivery id after delay. At most one timer
// exists per delivery, so attempts of a delivery never overlap.
func (d *Dispatcher) schedule(id string, delay time.Duration) {
	entry := &pendingAttempt{}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timers[id] = entry
	d.wg.Add(1)
	d.mu.Unlock()

	t := d.cfg.After(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.timers[id] == entry {
			delete(d.timers, id)
		}
		d.mu.Unlock()
		d.attempt(id)
	})

	d.mu.Lock()
	entry.timer = t
	d.mu.Unlock()
}

type pendingAttempt struct {
	timer Timer
}
