package store

import (
	"fmt"

	"github.com/struktr-app/parser/internal/domain"
)

// CheckTransition rejects transitions that the job state machine does not allow and
// terminal transitions that carry the wrong payload.
func CheckTransition(t domain.Transition) error {
	if !domain.CanTransition(t.From, t.To) {
		return fmt.Errorf("illegal transition %s -> %s: %w", t.From, t.To, ErrConflict)
	}
	switch t.To {
	case domain.JobStatusCompleted:
		if t.Result == nil || t.Error != nil {
			return fmt.Errorf("completed transition needs a result and no error")
		}
	case domain.JobStatusFailed:
		if t.Error == nil || t.Result != nil {
			return fmt.Errorf("failed transition needs an error and no result")
		}
	case domain.JobStatusProcessing:
		if t.Error != nil || t.Result != nil {
			return fmt.Errorf("processing transition carries no outcome")
		}
	}
	return nil
}

// ApplyTransition mutates job according to t. The caller has already checked that
// job.Status == t.From.
func ApplyTransition(job *domain.Job, t domain.Transition) {
	at := t.At
	job.Status = t.To
	switch t.To {
	case domain.JobStatusProcessing:
		job.StartedAt = &at
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		job.Result = t.Result
		job.Error = t.Error
		job.CompletedAt = &at
	}
}
