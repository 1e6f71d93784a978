package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/custodia/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query audit and access logs",
}

var accessLogCmd = &cobra.Command{
	Use:   "access-log [record-id]",
	Short: "Show the access log for a record",
	Long:  "Show the append-only access log: one entry per successful decrypt, with principal, timestamp and purpose. Omit the record ID to show the whole log.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showAccessLog,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query operational audit events",
	RunE:  queryAuditEvents,
}

func init() {
	auditQueryCmd.Flags().String("action", "", "filter by action")
	auditQueryCmd.Flags().String("record", "", "filter by record ID")
	auditQueryCmd.Flags().String("backup", "", "filter by backup ID")
	auditQueryCmd.Flags().Bool("failures", false, "only failed events")
	auditQueryCmd.Flags().Bool("grants", false, "only grant and access events")
	auditQueryCmd.Flags().Duration("since", 0, "only events within this window, e.g. 24h")
	auditQueryCmd.Flags().Int("limit", 50, "maximum number of events")

	auditCmd.AddCommand(accessLogCmd, auditQueryCmd)
	rootCmd.AddCommand(auditCmd)
}

func showAccessLog(cmd *cobra.Command, args []string) error {
	recordID := ""
	if len(args) > 0 {
		recordID = args[0]
	}

	entries, err := vault.AccessLog(recordID)
	if err != nil {
		return fmt.Errorf("failed to read access log: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCESSED\tRECORD\tPRINCIPAL\tPURPOSE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.AccessedAt.Format(time.RFC3339), e.RecordID, e.PrincipalID, e.Purpose)
	}
	return w.Flush()
}

func queryAuditEvents(cmd *cobra.Command, args []string) error {
	action, _ := cmd.Flags().GetString("action")
	recordID, _ := cmd.Flags().GetString("record")
	backupID, _ := cmd.Flags().GetString("backup")
	failures, _ := cmd.Flags().GetBool("failures")
	grants, _ := cmd.Flags().GetBool("grants")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	opts := audit.QueryOptions{
		Action:        action,
		RecordID:      recordID,
		BackupID:      backupID,
		GrantActivity: grants,
		Limit:         limit,
	}
	if failures {
		f := false
		opts.Success = &f
	}
	if since > 0 {
		t := time.Now().UTC().Add(-since)
		opts.Since = &t
	}

	result, err := auditLogger.Query(opts)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tRECORD\tBACKUP\tERROR")
	for _, e := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.Success, e.RecordID, e.BackupID, e.Error)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if result.HasMore {
		fmt.Printf("(%d of %d matching events shown)\n", len(result.Events), result.Filtered)
	}
	return nil
}
