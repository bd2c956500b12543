package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/edgeinfer/internal/inference/recovery"
	"github.com/vietddude/edgeinfer/internal/infra/storage"
)

const insertErrorLog = `
INSERT INTO error_log (id, message, severity, category, component, device_info, occurred_at)
VALUES (:id, :message, :severity, :category, :component, :device_info, :occurred_at)
ON CONFLICT (id) DO NOTHING`

const selectErrorLog = `
SELECT id, message, severity, category, component, device_info, occurred_at
FROM error_log`

// ErrorLogRepo implements storage.ErrorLogRepository and recovery.Sink.
type ErrorLogRepo struct {
	db *DB
}

func NewErrorLogRepo(db *DB) *ErrorLogRepo {
	return &ErrorLogRepo{db: db}
}

func (r *ErrorLogRepo) Name() string { return "postgres" }

func (r *ErrorLogRepo) Publish(ctx context.Context, rec recovery.Record) error {
	return r.Insert(ctx, rec)
}

func (r *ErrorLogRepo) Insert(ctx context.Context, rec recovery.Record) error {
	rec.Timestamp = rec.Timestamp.UTC()
	if _, err := r.db.NamedExecContext(ctx, insertErrorLog, rec); err != nil {
		return fmt.Errorf("failed to insert error record: %w", err)
	}
	return nil
}

func (r *ErrorLogRepo) Get(ctx context.Context, id string) (*recovery.Record, error) {
	var rec recovery.Record
	err := r.db.GetContext(ctx, &rec, selectErrorLog+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get error record: %w", err)
	}
	return &rec, nil
}

func (r *ErrorLogRepo) List(ctx context.Context, filter storage.ErrorLogFilter) ([]recovery.Record, error) {
	query, args := buildListQuery(filter)
	var recs []recovery.Record
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list error records: %w", err)
	}
	return recs, nil
}

func (r *ErrorLogRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM error_log"); err != nil {
		return 0, fmt.Errorf("failed to count error records: %w", err)
	}
	return n, nil
}

func (r *ErrorLogRepo) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM error_log WHERE occurred_at < $1", t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete error records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// buildListQuery renders filter as a positional-parameter query.
func buildListQuery(filter storage.ErrorLogFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.Severities) > 0 {
		sevs := make([]string, len(filter.Severities))
		for i, s := range filter.Severities {
			sevs[i] = string(s)
		}
		add("severity = ANY($%d)", pq.Array(sevs))
	}
	if filter.Category != "" {
		add("category = $%d", string(filter.Category))
	}
	if filter.Component != "" {
		add("component = $%d", filter.Component)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since.UTC())
	}

	var b strings.Builder
	b.WriteString(selectErrorLog)
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\nORDER BY occurred_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, "\nLIMIT $%d", len(args))
	}
	return b.String(), args
}
