package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/betbot/gorecon/pkg/statusclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance over the status API",
	Long: `Status prints the gate state, account, cached positions and the last
reconciliation result of a running "recon run" process.

Example:
  recon status --addr 127.0.0.1:8090`,
	RunE: runStatus,
}

var (
	statusAddr string
	statusJSON bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status API address (default: status.listen from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON state")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		addr = cfg.Status.Listen
	}
	if addr == "" {
		return fmt.Errorf("no status address: pass --addr or set status.listen")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := statusclient.NewClient(addr, 5*time.Second)
	st, err := client.State(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(out, "gate:       %s (startup attempts %d)\n", st.Gate, st.Attempts)
	if st.Breaker.Halted {
		fmt.Fprintf(out, "breaker:    HALTED since %s: %s\n", st.Breaker.HaltedAt.Format(time.RFC3339), st.Breaker.Reason)
	} else {
		fmt.Fprintf(out, "breaker:    ok\n")
	}
	fmt.Fprintf(out, "last sync:  %s (version %d, interval %s)\n", formatTime(st.Cache.LastSyncAt), st.Cache.Version, st.SyncInterval)
	if st.LastResult != nil {
		fmt.Fprintf(out, "last run:   %s recovered=%d closed=%d corrected=%d", st.LastResult.Status,
			st.LastResult.Recovered, st.LastResult.Closed, st.LastResult.Corrected)
		if st.LastError != "" {
			fmt.Fprintf(out, " error=%q", st.LastError)
		}
		fmt.Fprintln(out)
	}
	a := st.Cache.Account
	fmt.Fprintf(out, "account:    balance=%.2f equity=%.2f free=%.2f used=%.2f level=%.2f leverage=%d\n",
		a.Balance, a.Equity, a.MarginFree, a.MarginUsed, a.MarginLevel, a.Leverage)
	fmt.Fprintf(out, "audit:      total=%d dropped=%d\n\n", st.AuditTotal, st.AuditDropped)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tSYMBOL\tSIDE\tVOLUME\tOPEN\tCURRENT\tPROFIT")
	for _, p := range st.Cache.Positions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%.5f\t%.5f\t%.2f\n",
			p.Ticket, p.Symbol, p.Side, p.Volume, p.OpenPrice, p.CurrentPrice, p.Profit)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
