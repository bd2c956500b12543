package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/recovery"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
	"github.com/vietddude/edgeinfer/internal/infra/storage"
)

// =============================================================================
// Input parsing
// =============================================================================

func TestParseInput(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []float32
		wantErr bool
	}{
		{"single", "1", []float32{1}, false},
		{"several", "1,2.5,-3", []float32{1, 2.5, -3}, false},
		{"spaces", " 1 , 2 ", []float32{1, 2}, false},
		{"empty", "", nil, true},
		{"blank", "   ", nil, true},
		{"not a number", "1,x", nil, true},
		{"trailing comma", "1,", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInput(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseInput(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseInput(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("value %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatOutput(t *testing.T) {
	if got := formatOutput([]float32{1, 0.5, -2}); got != "[1 0.5 -2]" {
		t.Errorf("formatOutput() = %q", got)
	}
	if got := formatOutput(nil); got != "[]" {
		t.Errorf("formatOutput(nil) = %q", got)
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{"", false, slog.LevelInfo},
		{"info", false, slog.LevelInfo},
		{"debug", false, slog.LevelDebug},
		{"warn", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"error", true, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := logLevel(tt.level, tt.debug); got != tt.want {
			t.Errorf("logLevel(%q, %v) = %v, want %v", tt.level, tt.debug, got, tt.want)
		}
	}
}

// =============================================================================
// Error log filtering
// =============================================================================

func TestBuildFilter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	errorsLimit, errorsSeverity, errorsCategory, errorsSince = 5, "error, critical", "hardware", time.Hour
	defer func() {
		errorsLimit, errorsSeverity, errorsCategory, errorsSince = 20, "", "", 0
	}()

	f := buildFilter(now)
	if f.Limit != 5 {
		t.Errorf("Limit = %d, want 5", f.Limit)
	}
	if len(f.Severities) != 2 || f.Severities[0] != domain.SeverityError || f.Severities[1] != domain.SeverityCritical {
		t.Errorf("Severities = %v", f.Severities)
	}
	if f.Category != domain.CategoryHardware {
		t.Errorf("Category = %q", f.Category)
	}
	if !f.Since.Equal(now.Add(-time.Hour)) {
		t.Errorf("Since = %v", f.Since)
	}
}

func TestFilterRecords(t *testing.T) {
	recs := []recovery.Record{
		{ID: "3", Severity: domain.SeverityError, Category: domain.CategoryHardware},
		{ID: "2", Severity: domain.SeverityWarning, Category: domain.CategoryModel},
		{ID: "1", Severity: domain.SeverityError, Category: domain.CategoryMemory},
	}

	got := filterRecords(recs, storage.ErrorLogFilter{Severities: []domain.Severity{domain.SeverityError}})
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "1" {
		t.Errorf("severity filter = %+v", got)
	}

	got = filterRecords(recs, storage.ErrorLogFilter{Limit: 1})
	if len(got) != 1 || got[0].ID != "3" {
		t.Errorf("limit filter = %+v", got)
	}
}

func TestPrintRecords(t *testing.T) {
	var buf bytes.Buffer
	printRecords(&buf, []recovery.Record{{
		Message:   "DSP timeout",
		Severity:  domain.SeverityError,
		Category:  domain.CategoryHardware,
		Component: "InferenceEngine",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}})

	out := buf.String()
	for _, want := range []string{"SEVERITY", "DSP timeout", "hardware", "2025-01-01T00:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// =============================================================================
// Backend status
// =============================================================================

func TestPrintBackends(t *testing.T) {
	cpu := accelerator.NewCPU(slog.New(slog.DiscardHandler))
	if err := cpu.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var buf bytes.Buffer
	printBackends(&buf, []accelerator.Accelerator{cpu})

	out := buf.String()
	for _, want := range []string{"cpu", "ready", "go-native", "FULLY_CONNECTED"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
