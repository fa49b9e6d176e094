package domain

import "time"

type EventType string

const (
	EventDocumentCompleted EventType = "document.completed"
	EventDocumentFailed    EventType = "document.failed"
	EventBatchCompleted    EventType = "batch.completed"
	EventBatchProgress     EventType = "batch.progress"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeTimeout AttemptOutcome = "timeout"
	OutcomeError   AttemptOutcome = "error"
)

// Delivery is one event notification to one URL, across all of its attempts.
type Delivery struct {
	ID            string         `json:"id" db:"id"`
	AccountID     string         `json:"-" db:"account_id"`
	Event         EventType      `json:"event" db:"event"`
	URL           string         `json:"url" db:"url"`
	Payload       []byte         `json:"-" db:"payload"`
	Signature     string         `json:"-" db:"signature"`
	Status        DeliveryStatus `json:"status" db:"status"`
	Attempts      int            `json:"attempts" db:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

type DeliveryAttempt struct {
	DeliveryID  string         `json:"delivery_id" db:"delivery_id"`
	Number      int            `json:"number" db:"number"`
	ScheduledAt time.Time      `json:"scheduled_at" db:"scheduled_at"`
	AttemptedAt time.Time      `json:"attempted_at" db:"attempted_at"`
	Outcome     AttemptOutcome `json:"outcome" db:"outcome"`
	StatusCode  int            `json:"status_code,omitempty" db:"status_code"`
	Error       string         `json:"error,omitempty" db:"error"`
	DurationMS  int64          `json:"duration_ms" db:"duration_ms"`
}

// DeadLetter is a delivery that exhausted its retry schedule.
type DeadLetter struct {
	DeliveryID string    `json:"delivery_id" db:"delivery_id"`
	AccountID  string    `json:"account_id" db:"account_id"`
	Event      EventType `json:"event" db:"event"`
	URL        string    `json:"url" db:"url"`
	Attempts   int       `json:"attempts" db:"attempts"`
	LastError  string    `json:"last_error" db:"last_error"`
	FailedAt   time.Time `json:"failed_at" db:"failed_at"`
}
