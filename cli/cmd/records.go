package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/custodia"
)

var recordsCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage encrypted records in the vault",
	Long:  "Store, retrieve and share encrypted records. Every decrypt is written to the access log.",
}

var storeRecordCmd = &cobra.Command{
	Use:   "store",
	Short: "Encrypt and store a new record",
	Long:  "Encrypt data under a fresh per-record key and store it. Data can be provided via --data, --file, or stdin.",
	RunE:  storeRecord,
}

var getRecordCmd = &cobra.Command{
	Use:   "get [record-id]",
	Short: "Retrieve and decrypt a record",
	Long:  "Decrypt a record on behalf of a principal. The principal must own the record or hold an active grant.",
	Args:  cobra.ExactArgs(1),
	RunE:  getRecord,
}

var listRecordsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored records",
	RunE:  listRecords,
}

var grantCmd = &cobra.Command{
	Use:   "grant [record-id]",
	Short: "Grant another principal access to a record",
	Long:  "Create a revocable, optionally time-limited grant. Only the record owner may grant access.",
	Args:  cobra.ExactArgs(1),
	RunE:  grantAccess,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke [grant-id]",
	Short: "Revoke an access grant",
	Long:  "Deactivate a grant. Only the original grantor or the record owner may revoke. The grant record is kept for the audit trail.",
	Args:  cobra.ExactArgs(1),
	RunE:  revokeAccess,
}

func init() {
	storeRecordCmd.Flags().String("owner", "", "owning principal ID (required)")
	storeRecordCmd.Flags().String("data-type", "generic", "free-form classification of the data")
	storeRecordCmd.Flags().String("sensitivity", string(custodia.SensitivityConfidential),
		"sensitivity level (public, internal, confidential, restricted)")
	storeRecordCmd.Flags().String("data", "", "inline data to store")
	storeRecordCmd.Flags().String("file", "", "read data from file")
	_ = storeRecordCmd.MarkFlagRequired("owner")

	getRecordCmd.Flags().String("principal", "", "acting principal ID (required)")
	getRecordCmd.Flags().String("purpose", "", "purpose recorded in the access log")
	getRecordCmd.Flags().String("output", "", "write plaintext to file instead of stdout")
	_ = getRecordCmd.MarkFlagRequired("principal")

	grantCmd.Flags().String("owner", "", "record owner ID (required)")
	grantCmd.Flags().String("grantee", "", "principal being granted access (required)")
	grantCmd.Flags().Duration("expires-in", 0, "grant lifetime, e.g. 72h (0 = no expiry)")
	_ = grantCmd.MarkFlagRequired("owner")
	_ = grantCmd.MarkFlagRequired("grantee")

	revokeCmd.Flags().String("principal", "", "acting principal ID (required)")
	_ = revokeCmd.MarkFlagRequired("principal")

	recordsCmd.AddCommand(storeRecordCmd, getRecordCmd, listRecordsCmd, grantCmd, revokeCmd)
	rootCmd.AddCommand(recordsCmd)
}

func storeRecord(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	dataType, _ := cmd.Flags().GetString("data-type")
	sensitivity, _ := cmd.Flags().GetString("sensitivity")

	data, err := readInputData(cmd)
	if err != nil {
		return err
	}

	summary, err := vault.Store(owner, dataType, data, custodia.Sensitivity(sensitivity))
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	fmt.Printf("Record stored: %s\n", summary.ID)
	return nil
}

func readInputData(cmd *cobra.Command) ([]byte, error) {
	inline, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")

	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	case inline != "":
		return []byte(inline), nil
	case file != "":
		return os.ReadFile(file)
	default:
		return io.ReadAll(os.Stdin)
	}
}

func getRecord(cmd *cobra.Command, args []string) error {
	principal, _ := cmd.Flags().GetString("principal")
	purpose, _ := cmd.Flags().GetString("purpose")
	output, _ := cmd.Flags().GetString("output")

	plaintext, err := vault.RetrieveForPurpose(args[0], principal, purpose)
	if err != nil {
		return fmt.Errorf("failed to retrieve record: %w", err)
	}

	if output != "" {
		return os.WriteFile(output, plaintext, 0600)
	}
	_, err = os.Stdout.Write(plaintext)
	return err
}

func listRecords(cmd *cobra.Command, args []string) error {
	summaries, err := vault.ListRecords()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tTYPE\tSENSITIVITY\tCREATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.OwnerID, s.DataType, s.Sensitivity, s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func grantAccess(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	grantee, _ := cmd.Flags().GetString("grantee")
	expiresIn, _ := cmd.Flags().GetDuration("expires-in")

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().UTC().Add(expiresIn)
		expiresAt = &t
	}

	grant, err := vault.GrantAccess(args[0], owner, grantee, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}

	if grant.ExpiresAt != nil {
		fmt.Printf("Grant created: %s (expires %s)\n", grant.ID, grant.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Grant created: %s\n", grant.ID)
	}
	return nil
}

func revokeAccess(cmd *cobra.Command, args []string) error {
	principal, _ := cmd.Flags().GetString("principal")

	if err := vault.RevokeAccess(args[0], principal); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	fmt.Printf("Grant revoked: %s\n", args[0])
	return nil
}
