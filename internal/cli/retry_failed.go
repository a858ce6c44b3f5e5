package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/opindexer/internal/infra/storage"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-arm all failed watermarks and operations",
	Args:  cobra.NoArgs,
	Run:   runRetryFailed,
}

func init() {
	rootCmd.AddCommand(retryFailedCmd)
}

func runRetryFailed(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	wms, ops, err := rearmFailed(ctx, store)
	if err != nil {
		slog.Error("Failed to re-arm", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Re-armed %d watermarks and %d operations\n", wms, ops)
}

// rearmFailed re-arms both entities in one transaction.
func rearmFailed(ctx context.Context, store storage.Store) (wms, ops int64, err error) {
	err = store.Do(ctx, func(uow storage.UnitOfWork) error {
		var err error
		if wms, err = uow.Watermarks().RearmFailed(ctx); err != nil {
			return err
		}
		ops, err = uow.Operations().RearmFailed(ctx)
		return err
	})
	return wms, ops, err
}
