package recovery

import (
	"errors"
	"time"
)

// FailureCategory tells the retry loop whether an error is worth retrying.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

// Classifier maps an error to a FailureCategory.
type Classifier func(err error) FailureCategory

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay after the given failed attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry reports whether another attempt is allowed after err, given
	// the number of attempts already made.
	ShouldRetry(err error, attempt int) bool
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff returns the recovery defaults.
// 100ms, 200ms, 400ms, ... (Max 10s)
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = func(err error) FailureCategory {
			if IsPermanent(err) {
				return CategoryPermanent
			}
			return CategoryTransient
		}
	}
	return &ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  DefaultMaxRetries,
		Classifier:   classifier,
	}
}

// GetDelay returns the wait before recovery attempt attempt+1. The wait
// doubles from InitialDelay and is capped at MaxDelay.
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Past 62 doublings any positive delay overflows.
	if attempt > 62 || s.InitialDelay > s.MaxDelay>>attempt {
		return s.MaxDelay
	}
	return s.InitialDelay << attempt
}

// ShouldRetry allows another attempt while the error is transient and fewer
// than MaxAttempts attempts have been made.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	return s.Classifier(err) == CategoryTransient
}
