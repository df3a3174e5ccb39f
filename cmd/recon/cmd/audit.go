package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/pkg/statusclient"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the persisted audit trail",
	Long: `Audit lists reconciliation audit entries (RECOVERED, CLOSED, CORRECTED,
SYNCED, HALTED), newest first.

By default it reads the SQLite store at audit.sqlite_path directly. With
--remote it asks a running instance over the status API instead.

Examples:
  recon audit --action CLOSED --limit 20
  recon audit --ticket 123456 --since 24h
  recon audit --remote 127.0.0.1:8090`,
	RunE: runAudit,
}

var (
	auditAction string
	auditTicket int64
	auditSince  time.Duration
	auditLimit  int
	auditRemote string
	auditJSON   bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (RECOVERED, CLOSED, CORRECTED, SYNCED, HALTED)")
	auditCmd.Flags().Int64Var(&auditTicket, "ticket", 0, "filter by ticket")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this (e.g. 1h, 24h)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of entries")
	auditCmd.Flags().StringVar(&auditRemote, "remote", "", "query a running instance at this status API address")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "print entries as JSON")
}

func runAudit(cmd *cobra.Command, args []string) error {
	action := domain.AuditAction(upper(auditAction))
	switch action {
	case "", domain.AuditRecovered, domain.AuditClosed, domain.AuditCorrected, domain.AuditSynced, domain.AuditHalted:
	default:
		return fmt.Errorf("unknown action %q", auditAction)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var entries []domain.AuditEntry
	if auditRemote != "" {
		if auditSince > 0 {
			return fmt.Errorf("--since is only supported against the local store")
		}
		client := statusclient.NewClient(auditRemote, 5*time.Second)
		_, es, err := client.Audit(ctx, statusclient.AuditQuery{
			Limit:  auditLimit,
			Action: string(action),
			Ticket: auditTicket,
		})
		if err != nil {
			return err
		}
		entries = es
	} else {
		if cfg.Audit.SQLitePath == "" {
			return fmt.Errorf("audit.sqlite_path is not configured; use --remote")
		}
		store, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()

		q := audit.Query{Action: action, Ticket: auditTicket, Limit: auditLimit}
		if auditSince > 0 {
			q.Since = time.Now().Add(-auditSince)
		}
		es, err := store.Find(ctx, q)
		if err != nil {
			return err
		}
		entries = es
	}

	return printAudit(cmd.OutOrStdout(), entries, auditJSON)
}

func printAudit(out io.Writer, entries []domain.AuditEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit entries")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tTICKET\tPAYLOAD")
	for _, e := range entries {
		payload := ""
		if len(e.Payload) > 0 {
			b, _ := json.Marshal(e.Payload)
			payload = string(b)
		}
		ticket := "-"
		if e.Ticket != 0 {
			ticket = fmt.Sprint(e.Ticket)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05.000"), e.Action, ticket, payload)
	}
	return tw.Flush()
}
