package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/metrics"
)

// Sink persists or forwards error records outside the process.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
}

// SinkCallback adapts a Sink into a Callback. Each delivery gets its own
// timeout; failures are logged and counted, never propagated.
func SinkCallback(sink Sink, timeout time.Duration, log *slog.Logger) Callback {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(ec domain.ErrorContext) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := sink.Publish(ctx, NewRecord(ec)); err != nil {
			metrics.ErrorSinkFailures.WithLabelValues(sink.Name()).Inc()
			log.Warn("Failed to deliver error record", "sink", sink.Name(), "id", ec.ID, "error", err)
		}
	}
}
