// Package blob keeps uploaded document bytes outside the job store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the object key for a job's uploaded document, partitioned by day.
func Key(accountID, jobID string, at time.Time) string {
	return path.Join("uploads", accountID, at.UTC().Format("2006/01/02"), fmt.Sprintf("%s.pdf", jobID))
}
