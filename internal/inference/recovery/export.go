package recovery

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
)

// Record is the serialized form of an ErrorContext.
type Record struct {
	ID         string                `json:"id"          db:"id"`
	Message    string                `json:"message"     db:"message"`
	Severity   domain.Severity       `json:"severity"    db:"severity"`
	Category   domain.Category       `json:"category"    db:"category"`
	Component  string                `json:"component"   db:"component"`
	DeviceInfo string                `json:"device_info" db:"device_info"`
	Snapshot   domain.DeviceSnapshot `json:"snapshot"    db:"-"`
	Timestamp  time.Time             `json:"timestamp"   db:"occurred_at"`
}

// NewRecord converts an ErrorContext into a Record.
func NewRecord(ec domain.ErrorContext) Record {
	return Record{
		ID:         ec.ID,
		Message:    ec.Message,
		Severity:   ec.Severity,
		Category:   ec.Category,
		Component:  ec.Component,
		DeviceInfo: ec.Snapshot.String(),
		Snapshot:   ec.Snapshot,
		Timestamp:  ec.Timestamp,
	}
}

// Records returns the current history as records, oldest first.
func (e *Engine) Records() []Record {
	history := e.GetErrorHistory()
	out := make([]Record, len(history))
	for i, ec := range history {
		out[i] = NewRecord(ec)
	}
	return out
}

// WriteErrorLogs writes the history as an indented JSON array.
func (e *Engine) WriteErrorLogs(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e.Records()); err != nil {
		return fmt.Errorf("failed to encode error logs: %w", err)
	}
	return nil
}

// ExportErrorLogs writes the history to path as a JSON array.
func (e *Engine) ExportErrorLogs(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := e.WriteErrorLogs(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}
	e.log.Info("Exported error logs", "path", path)
	return nil
}
