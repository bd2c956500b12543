package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/edgeinfer/internal/control"
	"github.com/vietddude/edgeinfer/internal/core/domain"
)

var (
	inferInput  string
	inferRepeat int
	inferModel  string
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Run inference on a single input vector",
	Run:   runInfer,
}

func init() {
	inferCmd.Flags().StringVar(&inferInput, "input", "", "comma-separated input values, e.g. 1,2,3")
	inferCmd.Flags().IntVar(&inferRepeat, "repeat", 1, "number of times to run the input")
	inferCmd.Flags().StringVar(&inferModel, "model", "", "model path (overrides model.path)")
	_ = inferCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(inferCmd)
}

func runInfer(cmd *cobra.Command, args []string) {
	input, err := parseInput(inferInput)
	if err != nil {
		fmt.Printf("Invalid input: %v\n", err)
		os.Exit(1)
	}
	if inferRepeat < 1 {
		fmt.Println("--repeat must be >= 1")
		os.Exit(1)
	}

	cfg := loadConfig()
	if inferModel != "" {
		cfg.Model.Path = inferModel
	}
	if cfg.Model.Path == "" {
		slog.Error("No model configured; set model.path or --model")
		os.Exit(1)
	}
	cfg.Recovery.ExportPath = ""

	ctx := context.Background()
	app, err := control.NewRuntime(ctx, cfg, control.Options{Logger: slog.Default()})
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := app.LoadModel(ctx); err != nil {
		slog.Error("Failed to load model", "error", err)
		_ = app.Stop(ctx)
		os.Exit(1)
	}

	eng := app.Engine()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tBACKEND\tTIME_MS\tMEM_MB\tCPU_%\tACCEL_%\tOUTPUT")

	var failed int
	for i := 1; i <= inferRepeat; i++ {
		var m domain.InferenceMetrics
		out, err := eng.RunInference(ctx, input, &m)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%d\t-\t-\t-\t-\t-\terror: %v\n", i, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.3f\t%.1f\t%.1f\t%.1f\t%s\n",
			i, eng.ActiveBackend(), m.InferenceTimeMs, m.MemoryUsageMb,
			m.CPUUsagePercent, m.GPUUsagePercent, formatOutput(out))
	}
	_ = w.Flush()

	if err := app.Stop(ctx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// parseInput parses a comma-separated list of floats.
func parseInput(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty input")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func formatOutput(out []float32) string {
	parts := make([]string, len(out))
	for i, v := range out {
		parts[i] = strconv.FormatFloat(float64(v), 'g', 6, 32)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
