package backup

import (
	"strings"
	"time"
)

// GenerateBackupID derives a backup ID from the creation time. The ID doubles
// as the archive file name stem, so it only contains filesystem-safe characters.
func GenerateBackupID(ts time.Time) string {
	stamp := ts.UTC().Format("2006-01-02T15-04-05.000Z")
	return "backup_" + strings.ReplaceAll(stamp, ".", "-")
}

// ArchiveName returns the on-disk archive name for a backup ID.
func ArchiveName(backupID string) string {
	return backupID + ".json.gz"
}

// MediaArchiveName returns the name of the bulk-media side archive for a backup ID.
func MediaArchiveName(backupID string) string {
	return backupID + "_media.tar.gz"
}
