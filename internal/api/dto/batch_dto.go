package dto

import (
	"time"

	"github.com/struktr-app/parser/internal/batch"
	"github.com/struktr-app/parser/internal/domain"
)

type BatchDocument struct {
	File     []byte `json:"file"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type BatchRequest struct {
	Documents  []BatchDocument `json:"documents"`
	Options    *OptionsDTO     `json:"options"`
	WebhookURL string          `json:"webhook_url"`
}

type BatchMember struct {
	ID     string           `json:"id"`
	Status domain.JobStatus `json:"status"`
}

type BatchAcceptedResponse struct {
	BatchID   string             `json:"batch_id"`
	Status    domain.BatchStatus `json:"status"`
	Total     int                `json:"total"`
	Documents []BatchMember      `json:"documents"`
}

type BatchResponse struct {
	BatchID     string                 `json:"batch_id"`
	Status      domain.BatchStatus     `json:"status"`
	Total       int                    `json:"total"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	Pending     int                    `json:"pending"`
	Processing  int                    `json:"processing"`
	WebhookURL  string                 `json:"webhook_url,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at"`
	Documents   []domain.MemberSummary `json:"documents"`
}

func FromSnapshot(s *batch.Snapshot) BatchResponse {
	return BatchResponse{
		BatchID:     s.Batch.ID,
		Status:      s.Batch.Status,
		Total:       s.Counts.Total,
		Succeeded:   s.Counts.Succeeded,
		Failed:      s.Counts.Failed,
		Pending:     s.Counts.Pending,
		Processing:  s.Counts.Processing,
		WebhookURL:  s.Batch.WebhookURL,
		CreatedAt:   s.Batch.CreatedAt,
		CompletedAt: s.Batch.CompletedAt,
		Documents:   s.Documents,
	}
}

func Accepted(s *batch.Snapshot) BatchAcceptedResponse {
	members := make([]BatchMember, len(s.Documents))
	for i, d := range s.Documents {
		members[i] = BatchMember{ID: d.ID, Status: d.Status}
	}
	return BatchAcceptedResponse{
		BatchID:   s.Batch.ID,
		Status:    s.Batch.Status,
		Total:     s.Counts.Total,
		Documents: members,
	}
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
