package domain

import (
	"time"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/schema"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition encodes the job state machine: pending → processing → terminal,
// plus pending → failed for cancellation.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to.Terminal()
	}
	return false
}

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
)

// Source records where the document bytes come from. Uploaded bytes live in the
// blob store under BlobKey; URL sources are fetched by the worker.
type Source struct {
	Kind     SourceKind `json:"kind"`
	URL      string     `json:"url,omitempty"`
	BlobKey  string     `json:"-"`
	Filename string     `json:"filename,omitempty"`
	Size     int64      `json:"size,omitempty"`
}

type OutputFormat string

const (
	OutputStructured OutputFormat = "structured"
	OutputRaw        OutputFormat = "raw"
	OutputMarkdown   OutputFormat = "markdown"
)

func (f OutputFormat) Valid() bool {
	switch f {
	case OutputStructured, OutputRaw, OutputMarkdown:
		return true
	}
	return false
}

type Options struct {
	ExtractTables bool          `json:"extract_tables"`
	ExtractImages bool          `json:"extract_images"`
	OCREnabled    bool          `json:"ocr_enabled"`
	Language      string        `json:"language"`
	OutputFormat  OutputFormat  `json:"output_format"`
	Schema        *schema.Field `json:"schema,omitempty"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ExtractTables: true,
		ExtractImages: false,
		OCREnabled:    true,
		Language:      "en",
		OutputFormat:  OutputStructured,
	}
}

// Location is the provenance of an extracted value.
type Location struct {
	Page int `json:"page"`
	Line int `json:"line,omitempty"`
}

type ExtractedField struct {
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Location   *Location `json:"location,omitempty"`
}

type Table struct {
	Page    int        `json:"page"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

type Result struct {
	Pages    int                       `json:"pages"`
	Fields   map[string]ExtractedField `json:"fields,omitempty"`
	Tables   []Table                   `json:"tables,omitempty"`
	RawText  string                    `json:"raw_text,omitempty"`
	Markdown string                    `json:"markdown,omitempty"`
	Images   []int                     `json:"images,omitempty"`
	Method   string                    `json:"method,omitempty"`
}

type JobError struct {
	Code    apperr.Code   `json:"code"`
	Reason  apperr.Reason `json:"reason,omitempty"`
	Message string        `json:"message"`
}

// NewJobError flattens an error into the record stored on a failed job.
func NewJobError(err error) *JobError {
	ae := apperr.From(err)
	msg := ae.Message
	if ae.Code == apperr.CodeInternal {
		msg = "internal error during extraction"
	}
	return &JobError{Code: ae.Code, Reason: ae.Reason, Message: msg}
}

type Job struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"-"`
	BatchID     string     `json:"batch_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Mode        Mode       `json:"mode"`
	Source      Source     `json:"source"`
	Options     Options    `json:"options"`
	Result      *Result    `json:"result,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	WebhookURL  string     `json:"webhook_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Clone returns a copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Transition describes a guarded status change applied by the job store.
type Transition struct {
	From   JobStatus
	To     JobStatus
	At     time.Time
	Result *Result
	Error  *JobError
}
