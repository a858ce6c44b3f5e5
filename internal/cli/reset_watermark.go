package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var resetWatermarkCmd = &cobra.Command{
	Use:   "reset-watermark [id]",
	Short: "Re-arm a failed watermark so it is claimed again immediately",
	Args:  cobra.ExactArgs(1),
	Run:   runResetWatermark,
}

func init() {
	rootCmd.AddCommand(resetWatermarkCmd)
}

func runResetWatermark(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid watermark id: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	if err := store.Watermarks().Rearm(ctx, id); err != nil {
		slog.Error("Failed to reset watermark", "id", id, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully re-armed watermark %d\n", id)
}
