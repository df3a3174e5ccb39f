package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/betbot/gorecon/internal/services"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "One-shot startup sync; print the result and exit",
	Long: `Sync runs the startup gate once against the authority, prints the
reconciliation result (and the resulting cache when --positions is set) as
JSON, then exits. Exit status is 1 when the gate halts.`,
	RunE: runSync,
}

var syncShowPositions bool

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncShowPositions, "positions", false, "also print the reconciled positions")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := services.NewSyncService(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(shutdownCtx)
	}()

	res, startErr := svc.Start(ctx)

	out := map[string]any{
		"gate":     svc.Gate().State(),
		"attempts": svc.Gate().Attempts(),
		"result":   res,
	}
	if res != nil && res.Err != nil {
		out["error"] = res.Err.Error()
	}
	if syncShowPositions {
		out["cache"] = svc.Cache().View()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return startErr
}
