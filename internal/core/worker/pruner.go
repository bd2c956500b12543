package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/edgeinfer/internal/infra/storage"
)

// Pruner deletes persisted error records older than the retention period.
type Pruner struct {
	retention time.Duration
	repo      storage.ErrorLogRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.ErrorLogRepository, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		repo:      repo,
		log:       log,
		now:       time.Now,
	}
}

// Interval returns how often the pruner runs: 10% of the retention period,
// clamped to [1m, 1h].
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes expired records once and returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) int {
	threshold := p.now().Add(-p.retention)

	n, err := p.repo.DeleteBefore(ctx, threshold)
	if err != nil {
		p.log.Error("Failed to prune error log", "threshold", threshold, "error", err)
		return 0
	}
	if n > 0 {
		p.log.Debug("Pruned error log", "deleted", n, "threshold", threshold)
	}
	return n
}
