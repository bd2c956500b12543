package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the accelerator backends available on this device",
	Run:   runStatus,
}

var probeKinds = []accelerator.Kind{
	accelerator.KindCPU,
	accelerator.KindHexagon,
	accelerator.KindNeuroPilot,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	_ = loadConfig()

	ctx := context.Background()
	var backends []accelerator.Accelerator
	for _, kind := range probeKinds {
		a, err := accelerator.New(kind, accelerator.Options{})
		if err != nil {
			continue
		}
		// Initialize failures leave the backend in Failed, which is what we print.
		_ = a.Initialize(ctx)
		backends = append(backends, a)
	}
	printBackends(os.Stdout, backends)

	for _, a := range backends {
		_ = a.ReleaseResources()
	}
}

func printBackends(out io.Writer, backends []accelerator.Accelerator) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BACKEND\tSTATE\tDRIVER\tFIRMWARE\tPROFILE\tOPERATIONS")
	for _, a := range backends {
		caps := a.Capabilities()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Name(), a.State(), caps.DriverVersion, caps.FirmwareVersion,
			caps.PowerProfile, strings.Join(caps.Operations, ","))
	}
	_ = w.Flush()
}
