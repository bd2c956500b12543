package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/edgeinfer/internal/inference/recovery"
	"github.com/vietddude/edgeinfer/internal/infra/storage"
)

// ErrorLogRepo is an in-process ErrorLogRepository. It also implements
// recovery.Sink so it can stand in for the database.
type ErrorLogRepo struct {
	records map[string]recovery.Record
	mu      sync.RWMutex
}

func NewErrorLogRepo() *ErrorLogRepo {
	return &ErrorLogRepo{
		records: make(map[string]recovery.Record),
	}
}

func (r *ErrorLogRepo) Name() string { return "memory" }

func (r *ErrorLogRepo) Publish(ctx context.Context, rec recovery.Record) error {
	return r.Insert(ctx, rec)
}

func (r *ErrorLogRepo) Insert(ctx context.Context, rec recovery.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return nil
	}
	r.records[rec.ID] = rec
	return nil
}

func (r *ErrorLogRepo) Get(ctx context.Context, id string) (*recovery.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	return &rec, nil
}

func (r *ErrorLogRepo) List(ctx context.Context, filter storage.ErrorLogFilter) ([]recovery.Record, error) {
	r.mu.RLock()
	out := make([]recovery.Record, 0, len(r.records))
	for _, rec := range r.records {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *ErrorLogRepo) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records), nil
}

func (r *ErrorLogRepo) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if rec.Timestamp.Before(t) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}
