// Package recovery records reported errors, notifies listeners, runs
// per-category recovery strategies and tracks overall system health.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/metrics"
	"github.com/vietddude/edgeinfer/internal/infra/sysmetrics"
)

const (
	DefaultMaxRetries   = 3
	DefaultHistoryLimit = 1000
	UnknownComponent    = "Unknown"

	statusOperational = "System operational"
	statusReset       = "System reset successfully"
)

// ErrEmptyMessage is returned when an error report carries no message.
var ErrEmptyMessage = errors.New("empty error message")

// Callback is notified of every handled error.
type Callback func(ec domain.ErrorContext)

// Strategy tries to recover from an error. A nil return means recovered.
type Strategy func(ec domain.ErrorContext) error

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures an Engine.
type Options struct {
	// MaxRetries nil or negative uses DefaultMaxRetries; 0 disables strategy attempts.
	MaxRetries               *int
	DisableAutomaticRecovery bool
	HistoryLimit             int
	Backoff                  RetryStrategy
	Snapshot                 sysmetrics.Snapshotter
	Sleep                    SleepFunc
	Logger                   *slog.Logger
}

// Engine is safe for concurrent use. Callbacks and strategies run on the
// reporting goroutine, outside the engine lock.
type Engine struct {
	backoff  RetryStrategy
	snapshot sysmetrics.Snapshotter
	sleep    SleepFunc
	limit    int
	log      *slog.Logger

	mu         sync.Mutex
	history    []domain.ErrorContext
	callbacks  []Callback
	strategies map[domain.Category]Strategy
	auto       bool
	maxRetries int
	healthy    bool
	status     string
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff(nil)
	}
	if opts.Snapshot == nil {
		opts.Snapshot = &sysmetrics.HostSnapshotter{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	metrics.SystemHealthy.Set(1)
	return &Engine{
		backoff:    opts.Backoff,
		snapshot:   opts.Snapshot,
		sleep:      opts.Sleep,
		limit:      opts.HistoryLimit,
		log:        opts.Logger.With("component", "recovery"),
		strategies: make(map[domain.Category]Strategy),
		auto:       !opts.DisableAutomaticRecovery,
		maxRetries: maxRetries,
		healthy:    true,
		status:     statusOperational,
	}
}

// ReportError builds an ErrorContext and handles it.
// Reports with an empty message are logged and dropped.
func (e *Engine) ReportError(
	ctx context.Context,
	message string,
	severity domain.Severity,
	category domain.Category,
	component string,
) error {
	if message == "" {
		e.log.Warn("Dropping error report with empty message",
			"severity", severity, "category", category, "source", component)
		return ErrEmptyMessage
	}
	if component == "" {
		component = UnknownComponent
	}

	e.HandleError(ctx, domain.ErrorContext{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		Category:  category,
		Component: component,
		Snapshot:  e.snapshot.Snapshot(ctx),
		Timestamp: time.Now(),
	})
	return nil
}

// HandleError records ec, notifies callbacks, attempts recovery when enabled
// and updates system health.
func (e *Engine) HandleError(ctx context.Context, ec domain.ErrorContext) {
	metrics.ErrorsReported.WithLabelValues(string(ec.Category), string(ec.Severity)).Inc()
	e.log.Log(ctx, logLevel(ec.Severity), "Error reported",
		"message", ec.Message,
		"severity", ec.Severity,
		"category", ec.Category,
		"source", ec.Component,
	)

	e.mu.Lock()
	e.history = append(e.history, ec)
	if over := len(e.history) - e.limit; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
	callbacks := slices.Clone(e.callbacks)
	auto := e.auto
	e.mu.Unlock()

	for _, cb := range callbacks {
		e.invokeCallback(cb, ec)
	}

	if auto {
		e.AttemptRecovery(ctx, ec)
	}

	e.mu.Lock()
	if ec.Severity == domain.SeverityCritical {
		e.healthy = false
	}
	e.status = "Last error: " + ec.Message
	if !e.healthy {
		e.status += " (System unhealthy)"
	}
	healthy := e.healthy
	e.mu.Unlock()

	if !healthy {
		metrics.SystemHealthy.Set(0)
	}
}

func (e *Engine) invokeCallback(cb Callback, ec domain.ErrorContext) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Error callback panicked", "panic", r)
		}
	}()
	cb(ec)
}

// AttemptRecovery runs the strategy registered for ec.Category up to the
// configured number of times, backing off between attempts. It returns false
// immediately when no strategy is registered.
func (e *Engine) AttemptRecovery(ctx context.Context, ec domain.ErrorContext) bool {
	e.mu.Lock()
	strategy, ok := e.strategies[ec.Category]
	maxRetries := e.maxRetries
	e.mu.Unlock()

	if !ok {
		return false
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := e.invokeStrategy(strategy, ec)
		if err == nil {
			metrics.RecoveryAttempts.WithLabelValues(string(ec.Category), "success").Inc()
			e.log.Info("Recovered from error", "category", ec.Category, "attempt", attempt+1)
			return true
		}
		metrics.RecoveryAttempts.WithLabelValues(string(ec.Category), "failure").Inc()
		e.log.Debug("Recovery attempt failed", "category", ec.Category, "attempt", attempt+1, "error", err)

		if attempt == maxRetries-1 {
			break
		}
		if err := e.sleep(ctx, e.backoff.GetDelay(attempt)); err != nil {
			return false
		}
	}

	e.log.Warn("Recovery exhausted", "category", ec.Category, "attempts", maxRetries)
	return false
}

func (e *Engine) invokeStrategy(s Strategy, ec domain.ErrorContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery strategy panicked: %v", r)
		}
	}()
	return s(ec)
}

// RetryOperation runs op until it succeeds, maxRetries attempts have been
// made, or the backoff strategy declines another attempt (permanent error or
// its own attempt cap).
func (e *Engine) RetryOperation(ctx context.Context, op func() error, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == maxRetries-1 {
			break
		}
		if !e.backoff.ShouldRetry(lastErr, attempt+1) {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, lastErr)
		}
		if err := e.sleep(ctx, e.backoff.GetDelay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

// RegisterErrorCallback adds cb to the notification list.
func (e *Engine) RegisterErrorCallback(cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// RegisterRecoveryStrategy sets the strategy for a category, replacing any previous one.
func (e *Engine) RegisterRecoveryStrategy(category domain.Category, s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[category] = s
}

func (e *Engine) SetAutomaticRecovery(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auto = enabled
}

// SetMaxRetries sets the number of strategy attempts. Negative values restore the default.
func (e *Engine) SetMaxRetries(n int) {
	if n < 0 {
		n = DefaultMaxRetries
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxRetries = n
}

func (e *Engine) MaxRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxRetries
}

// GetErrorHistory returns a copy of the history, oldest first.
func (e *Engine) GetErrorHistory() []domain.ErrorContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

func (e *Engine) IsSystemHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *Engine) GetSystemStatus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ResetSystem clears history and restores health.
func (e *Engine) ResetSystem() {
	e.mu.Lock()
	e.history = nil
	e.healthy = true
	e.status = statusReset
	e.mu.Unlock()

	metrics.SystemHealthy.Set(1)
	e.log.Info("System reset")
}

func logLevel(s domain.Severity) slog.Level {
	switch s {
	case domain.SeverityInfo:
		return slog.LevelInfo
	case domain.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
