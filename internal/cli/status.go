package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stream frontiers and operation counts",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	if err := printStatus(ctx, os.Stdout, store); err != nil {
		slog.Error("Failed to read status", "error", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, out io.Writer, store storage.Store) error {
	frontiers, err := store.Watermarks().Frontiers(ctx)
	if err != nil {
		return err
	}
	counts, err := store.Operations().Counts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tSTREAM\tPOINTER\tBOUND\tSTATUS\tATTEMPTS\tELIGIBLE\tLAST ERROR")

	failed := 0
	for _, wm := range frontiers {
		if wm.Status == domain.WatermarkFailed {
			failed++
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			wm.ID, wm.Kind, orDash(wm.Pointer), orDash(wm.Bound), wm.Status,
			wm.AttemptCount, wm.NextEligibleAt.Format(time.RFC3339), orDash(wm.LastError))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nFailed watermarks: %d\n", failed)
	_, _ = fmt.Fprintf(out, "Operations: idle=%d locked=%d failed=%d terminal=%d\n",
		counts.Idle, counts.Locked, counts.Failed, counts.Terminal)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
