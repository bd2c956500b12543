// Package storage defines persistence for the error log.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/recovery"
)

var (
	// ErrRecordNotFound is returned when an error record doesn't exist
	ErrRecordNotFound = errors.New("error record not found")
)

// ErrorLogFilter narrows List results. Zero values match everything.
type ErrorLogFilter struct {
	Severities []domain.Severity
	Category   domain.Category
	Component  string
	Since      time.Time
	// Limit <= 0 returns every match.
	Limit int
}

// Matches reports whether rec passes the filter.
func (f ErrorLogFilter) Matches(rec recovery.Record) bool {
	if len(f.Severities) > 0 {
		found := false
		for _, s := range f.Severities {
			if rec.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Component != "" && rec.Component != f.Component {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// ErrorLogRepository handles error record storage operations
type ErrorLogRepository interface {
	// Insert stores a record. Inserting an existing ID is a no-op.
	Insert(ctx context.Context, rec recovery.Record) error

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*recovery.Record, error)

	// List returns matching records, newest first
	List(ctx context.Context, filter ErrorLogFilter) ([]recovery.Record, error)

	// Count returns the number of stored records
	Count(ctx context.Context) (int, error)

	// DeleteBefore removes records older than t and returns how many were removed
	DeleteBefore(ctx context.Context, t time.Time) (int, error)
}
