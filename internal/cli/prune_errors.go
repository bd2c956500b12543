package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/edgeinfer/internal/infra/storage/postgres"
)

var (
	pruneOlderThan time.Duration
	pruneYes       bool
)

var pruneErrorsCmd = &cobra.Command{
	Use:   "prune-errors",
	Short: "Delete persisted error reports older than a given age",
	Long: `Delete error log rows from PostgreSQL whose timestamp is older than --older-than.
This is useful to keep the error table bounded on long-running devices.`,
	Run: runPruneErrors,
}

func init() {
	pruneErrorsCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "delete records older than this age, e.g. 168h (required)")
	pruneErrorsCmd.Flags().BoolVarP(&pruneYes, "yes", "y", false, "skip confirmation")
	_ = pruneErrorsCmd.MarkFlagRequired("older-than")
	rootCmd.AddCommand(pruneErrorsCmd)
}

func runPruneErrors(cmd *cobra.Command, args []string) {
	if pruneOlderThan <= 0 {
		fmt.Println("--older-than must be positive")
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("prune-errors requires database.url")
		os.Exit(1)
	}

	cutoff := time.Now().Add(-pruneOlderThan).UTC()
	if !pruneYes {
		fmt.Printf("Delete error records older than %s? [y/N]: ", cutoff.Format(time.RFC3339))
		reader := bufio.NewReader(os.Stdin)
		confirm, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(confirm)) != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	n, err := postgres.NewErrorLogRepo(db).DeleteBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to prune error log", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d error records older than %s\n", n, cutoff.Format(time.RFC3339))
}
