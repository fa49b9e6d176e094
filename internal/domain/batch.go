package domain

import "time"

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
)

type Batch struct {
	ID           string      `json:"batch_id"`
	AccountID    string      `json:"-"`
	MemberJobIDs []string    `json:"-"`
	Status       BatchStatus `json:"status"`
	WebhookURL   string      `json:"webhook_url,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at"`
}

// BatchCounts is derived from member statuses; it is never stored.
type BatchCounts struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// Terminal is the number of members that reached completed or failed.
func (c BatchCounts) Terminal() int {
	return c.Succeeded + c.Failed
}

// Done reports whether every member is terminal.
func (c BatchCounts) Done() bool {
	return c.Total > 0 && c.Terminal() == c.Total
}

// CountMembers tallies member statuses.
func CountMembers(members []*Job) BatchCounts {
	c := BatchCounts{Total: len(members)}
	for _, m := range members {
		switch m.Status {
		case JobStatusCompleted:
			c.Succeeded++
		case JobStatusFailed:
			c.Failed++
		case JobStatusProcessing:
			c.Processing++
		default:
			c.Pending++
		}
	}
	return c
}

// MemberSummary is the per-document line of a batch report.
type MemberSummary struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Source string    `json:"source,omitempty"`
	Error  *JobError `json:"error,omitempty"`
}

// Summarize builds member summaries in the given (submission) order.
func Summarize(members []*Job) []MemberSummary {
	out := make([]MemberSummary, 0, len(members))
	for _, m := range members {
		s := MemberSummary{ID: m.ID, Status: m.Status, Error: m.Error}
		if m.Source.Kind == SourceURL {
			s.Source = m.Source.URL
		} else {
			s.Source = m.Source.Filename
		}
		out = append(out, s)
	}
	return out
}
