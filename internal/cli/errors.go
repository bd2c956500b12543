package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/edgeinfer/internal/core/config"
	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/recovery"
	redisclient "github.com/vietddude/edgeinfer/internal/infra/redis"
	"github.com/vietddude/edgeinfer/internal/infra/storage"
	"github.com/vietddude/edgeinfer/internal/infra/storage/postgres"
)

var (
	errorsLimit    int
	errorsSeverity string
	errorsCategory string
	errorsSince    time.Duration
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show persisted error reports",
	Long: `Show the error log persisted to PostgreSQL, or to Redis when no database is configured.
Filters apply to the PostgreSQL log only.`,
	Run: runErrors,
}

func init() {
	errorsCmd.Flags().IntVar(&errorsLimit, "limit", 20, "maximum number of records to show")
	errorsCmd.Flags().StringVar(&errorsSeverity, "severity", "", "comma-separated severities (info,warning,error,critical)")
	errorsCmd.Flags().StringVar(&errorsCategory, "category", "", "only show this category")
	errorsCmd.Flags().DurationVar(&errorsSince, "since", 0, "only show records newer than this, e.g. 24h")
	rootCmd.AddCommand(errorsCmd)
}

func runErrors(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	recs, err := fetchErrors(ctx, cfg, buildFilter(time.Now()))
	if err != nil {
		slog.Error("Failed to read error log", "error", err)
		os.Exit(1)
	}
	printRecords(os.Stdout, recs)
}

func buildFilter(now time.Time) storage.ErrorLogFilter {
	f := storage.ErrorLogFilter{
		Category: domain.Category(errorsCategory),
		Limit:    errorsLimit,
	}
	if errorsSeverity != "" {
		for _, s := range strings.Split(errorsSeverity, ",") {
			f.Severities = append(f.Severities, domain.Severity(strings.TrimSpace(s)))
		}
	}
	if errorsSince > 0 {
		f.Since = now.Add(-errorsSince)
	}
	return f
}

func fetchErrors(ctx context.Context, cfg *config.AppConfig, filter storage.ErrorLogFilter) ([]recovery.Record, error) {
	switch {
	case cfg.Database.URL != "":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = db.Close()
		}()
		return postgres.NewErrorLogRepo(db).List(ctx, filter)

	case cfg.Redis.URL != "":
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = client.Close()
		}()
		recs, err := redisclient.NewErrorLog(client, cfg.Redis.Namespace, 0).Recent(ctx, 0)
		if err != nil {
			return nil, err
		}
		return filterRecords(recs, filter), nil

	default:
		return nil, fmt.Errorf("no persistent error log configured (set database.url or redis.url)")
	}
}

// filterRecords applies filter to records that are already newest first.
func filterRecords(recs []recovery.Record, filter storage.ErrorLogFilter) []recovery.Record {
	out := make([]recovery.Record, 0, len(recs))
	for _, rec := range recs {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func printRecords(f io.Writer, recs []recovery.Record) {
	w := tabwriter.NewWriter(f, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TIME\tSEVERITY\tCATEGORY\tCOMPONENT\tMESSAGE")
	for _, rec := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.Format(time.RFC3339), rec.Severity, rec.Category, rec.Component, rec.Message)
	}
	_ = w.Flush()
}
