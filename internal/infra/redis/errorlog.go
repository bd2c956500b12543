package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/edgeinfer/internal/inference/recovery"
)

const (
	// DefaultErrorLogLimit matches the in-memory history cap.
	DefaultErrorLogLimit = recovery.DefaultHistoryLimit

	seenTTL = time.Hour
)

// ErrorLog stores error records in a Redis list trimmed to the newest limit
// entries. It implements recovery.Sink.
type ErrorLog struct {
	rdb       *redis.Client
	namespace string
	limit     int64
}

// NewErrorLog creates a Redis-backed error log. limit <= 0 uses DefaultErrorLogLimit.
func NewErrorLog(client *Client, namespace string, limit int) *ErrorLog {
	if limit <= 0 {
		limit = DefaultErrorLogLimit
	}
	return &ErrorLog{
		rdb:       client.rdb,
		namespace: namespace,
		limit:     int64(limit),
	}
}

func (l *ErrorLog) Name() string { return "redis" }

// Publish appends rec. A record ID already seen within the last hour is
// skipped so redelivery does not duplicate entries.
func (l *ErrorLog) Publish(ctx context.Context, rec recovery.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}

	if rec.ID != "" {
		fresh, err := l.rdb.SetNX(ctx, seenKey(l.namespace, rec.ID), 1, seenTTL).Result()
		if err != nil {
			return fmt.Errorf("setnx failed: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	key := listKey(l.namespace)
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -l.limit, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append error record: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (l *ErrorLog) Recent(ctx context.Context, n int) ([]recovery.Record, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}
	raw, err := l.rdb.LRange(ctx, listKey(l.namespace), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	return decodeRecords(raw)
}

// Count returns the number of stored records.
func (l *ErrorLog) Count(ctx context.Context) (int64, error) {
	return l.rdb.LLen(ctx, listKey(l.namespace)).Result()
}

// Clear removes every stored record.
func (l *ErrorLog) Clear(ctx context.Context) error {
	return l.rdb.Del(ctx, listKey(l.namespace)).Err()
}

// decodeRecords parses list entries (oldest first) into records, newest first.
// Entries that fail to parse are skipped.
func decodeRecords(raw []string) ([]recovery.Record, error) {
	out := make([]recovery.Record, 0, len(raw))
	var firstErr error
	for i := len(raw) - 1; i >= 0; i-- {
		var rec recovery.Record
		if err := json.Unmarshal([]byte(raw[i]), &rec); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to unmarshal error record: %w", err)
			}
			continue
		}
		out = append(out, rec)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
