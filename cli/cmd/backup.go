package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/custodia"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, restore and manage backup archives",
	Long:  "Serialize full snapshots into compressed, optionally encrypted archives, restore from them, and enforce the retention policy.",
}

var createBackupCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a full backup now",
	RunE:  createBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup archives, newest first",
	RunE:  listBackups,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Restore the store from a backup archive",
	Long:  "Verify the archive checksum, decompress, decrypt if needed, and replace the store's contents with the snapshot.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "delete [backup-id]",
	Short: "Delete a backup archive and its metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackup,
}

var scheduleBackupCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the backup scheduler in the foreground",
	Long:  "Run full backups at the configured frequency until interrupted. A failed run is logged and does not stop the loop.",
	RunE:  scheduleBackups,
}

func init() {
	backupCmd.PersistentFlags().String("frequency", "", "backup frequency (hourly, daily, weekly, monthly)")
	backupCmd.PersistentFlags().Int("retention", 0, "number of archives to keep")
	backupCmd.PersistentFlags().Bool("encrypt", true, "encrypt backup archives")
	backupCmd.PersistentFlags().String("location", "", "target storage location")
	backupCmd.PersistentFlags().Bool("include-media", false, "archive bulk media alongside structured data")
	backupCmd.PersistentFlags().String("media-path", "", "directory holding bulk media")
	backupCmd.PersistentFlags().Int("compression-level", 0, "gzip level, 1 (fastest) to 9 (smallest)")

	bindBackupFlag("backup.frequency", "frequency")
	bindBackupFlag("backup.retention", "retention")
	bindBackupFlag("backup.encrypt", "encrypt")
	bindBackupFlag("backup.location", "location")
	bindBackupFlag("backup.include_media", "include-media")
	bindBackupFlag("backup.media_path", "media-path")
	bindBackupFlag("backup.compression_level", "compression-level")

	listBackupsCmd.Flags().String("kind", "", "filter by kind (full, incremental)")
	listBackupsCmd.Flags().String("from", "", "only backups at or after this RFC3339 timestamp")
	listBackupsCmd.Flags().String("to", "", "only backups at or before this RFC3339 timestamp")

	restoreBackupCmd.Flags().Bool("skip-checksum", false, "skip archive checksum validation (not recommended)")
	restoreBackupCmd.Flags().Bool("restore-media", true, "also restore the media archive when one exists")
	restoreBackupCmd.Flags().String("media-path", "", "directory media files are restored into")

	backupCmd.AddCommand(createBackupCmd, listBackupsCmd, restoreBackupCmd, deleteBackupCmd, scheduleBackupCmd)
	rootCmd.AddCommand(backupCmd)
}

func bindBackupFlag(configKey, flagName string) {
	bindFlagFromSet(backupCmd.PersistentFlags(), configKey, flagName)
}

func createBackup(cmd *cobra.Command, args []string) error {
	config := backupConfigFromViper()

	meta, err := manager.CreateFullBackup(config)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	fmt.Printf("Backup created: %s (%d bytes", meta.ID, meta.Size)
	if meta.EncryptionKeyID != "" {
		fmt.Print(", encrypted")
	}
	if meta.HasMedia {
		fmt.Print(", with media")
	}
	fmt.Println(")")
	return nil
}

func listBackups(cmd *cobra.Command, args []string) error {
	filter, err := backupFilterFromFlags(cmd)
	if err != nil {
		return err
	}

	backups, err := manager.ListBackups(filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tKIND\tSIZE\tENCRYPTED\tMEDIA\tCHECKSUM")
	for _, m := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%t\t%.12s\n",
			m.ID, m.Timestamp.Format(time.RFC3339), m.Kind, m.Size,
			m.EncryptionKeyID != "", m.HasMedia, m.Checksum)
	}
	return w.Flush()
}

func backupFilterFromFlags(cmd *cobra.Command) (*custodia.BackupFilter, error) {
	kind, _ := cmd.Flags().GetString("kind")
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")

	if kind == "" && fromStr == "" && toStr == "" {
		return nil, nil
	}

	filter := &custodia.BackupFilter{Kind: custodia.BackupKind(kind)}
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --from timestamp: %w", err)
		}
		filter.From = t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --to timestamp: %w", err)
		}
		filter.To = t
	}
	return filter, nil
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	skipChecksum, _ := cmd.Flags().GetBool("skip-checksum")
	restoreMedia, _ := cmd.Flags().GetBool("restore-media")
	mediaPath, _ := cmd.Flags().GetString("media-path")

	opts := custodia.RestoreOptions{
		RestoreMedia:           restoreMedia,
		SkipChecksumValidation: skipChecksum,
		MediaPath:              mediaPath,
	}

	if err := manager.RestoreFromBackup(args[0], opts); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Printf("Restored from backup: %s\n", args[0])
	return nil
}

func deleteBackup(cmd *cobra.Command, args []string) error {
	if err := manager.DeleteBackup(args[0]); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	fmt.Printf("Backup deleted: %s\n", args[0])
	return nil
}

func scheduleBackups(cmd *cobra.Command, args []string) error {
	config := backupConfigFromViper()

	scheduler, err := custodia.NewScheduler(manager, config, auditLogger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = scheduler.Start(ctx); err != nil {
		return err
	}

	interval, _ := config.Frequency.Interval()
	fmt.Printf("Scheduler running: %s backups every %s (retention %d). Ctrl-C to stop.\n",
		config.Frequency, interval, config.Retention)

	<-ctx.Done()
	scheduler.Stop()
	fmt.Println("Scheduler stopped.")
	return nil
}
