package dto

import (
	"time"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/schema"
)

// OptionsDTO uses pointers so omitted flags keep their documented defaults.
type OptionsDTO struct {
	ExtractTables *bool         `json:"extract_tables" form:"extract_tables"`
	ExtractImages *bool         `json:"extract_images" form:"extract_images"`
	OCREnabled    *bool         `json:"ocr_enabled" form:"ocr_enabled"`
	Language      string        `json:"language" form:"language"`
	OutputFormat  string        `json:"output_format" form:"output_format"`
	Schema        *schema.Field `json:"schema" form:"-"`
}

// ToOptions applies the DTO over the defaults.
func (o *OptionsDTO) ToOptions() domain.Options {
	opts := domain.DefaultOptions()
	if o == nil {
		return opts
	}
	if o.ExtractTables != nil {
		opts.ExtractTables = *o.ExtractTables
	}
	if o.ExtractImages != nil {
		opts.ExtractImages = *o.ExtractImages
	}
	if o.OCREnabled != nil {
		opts.OCREnabled = *o.OCREnabled
	}
	if o.Language != "" {
		opts.Language = o.Language
	}
	if o.OutputFormat != "" {
		opts.OutputFormat = domain.OutputFormat(o.OutputFormat)
	}
	opts.Schema = o.Schema
	return opts
}

// ParseRequest is the JSON form of a parse call. File carries base64 encoded bytes.
type ParseRequest struct {
	File       []byte      `json:"file"`
	Filename   string      `json:"filename"`
	URL        string      `json:"url"`
	Options    *OptionsDTO `json:"options"`
	WebhookURL string      `json:"webhook_url"`
}

// RawParseQuery carries options for an application/pdf request body.
type RawParseQuery struct {
	OptionsDTO
	Filename   string `form:"filename"`
	WebhookURL string `form:"webhook_url"`
}

type ListDocumentsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListDocumentsResponse struct {
	Documents  []DocumentDTO `json:"documents"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

type DocumentDTO struct {
	ID          string           `json:"id"`
	Status      domain.JobStatus `json:"status"`
	BatchID     string           `json:"batch_id,omitempty"`
	Source      domain.Source    `json:"source"`
	Options     domain.Options   `json:"options"`
	Result      *domain.Result   `json:"result,omitempty"`
	Error       *domain.JobError `json:"error,omitempty"`
	WebhookURL  string           `json:"webhook_url,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at"`
}

func FromJob(job *domain.Job) DocumentDTO {
	return DocumentDTO{
		ID:          job.ID,
		Status:      job.Status,
		BatchID:     job.BatchID,
		Source:      job.Source,
		Options:     job.Options,
		Result:      job.Result,
		Error:       job.Error,
		WebhookURL:  job.WebhookURL,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// AcceptedResponse answers asynchronous submissions.
type AcceptedResponse struct {
	ID        string           `json:"id"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}
