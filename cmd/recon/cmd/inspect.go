package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/betbot/gorecon/internal/services"
	"github.com/betbot/gorecon/pkg/persistence"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the last forensic cache snapshot",
	Long: `Inspect prints the cache view saved after the last successful
reconciliation. Snapshots are forensic only: the service never restores its
cache from them, the cache is always rebuilt from the authority.`,
	RunE: runInspect,
}

var inspectTag int64

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().Int64Var(&inspectTag, "tag", 0, "ownership tag (default: sync.ownership_tag from config)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	if cfg.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir is not configured")
	}
	tag := inspectTag
	if tag == 0 {
		tag = cfg.Sync.OwnershipTag
	}

	svc, closer, err := persistence.Open(cfg.Snapshot.Backend, cfg.Snapshot.Dir)
	if err != nil {
		return err
	}
	defer closer.Close()

	snap, err := services.LoadSnapshot(svc, tag)
	if errors.Is(err, persistence.ErrNotExists) {
		return fmt.Errorf("no snapshot for ownership tag %d in %s", tag, cfg.Snapshot.Dir)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
