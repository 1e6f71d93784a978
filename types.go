package custodia

import (
	"fmt"
	"time"
)

// Sensitivity classifies how damaging disclosure of a record would be.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// Valid reports whether s is one of the defined sensitivity levels.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityPublic, SensitivityInternal, SensitivityConfidential, SensitivityRestricted:
		return true
	}
	return false
}

// RecordSummary is the non-sensitive view of a stored record returned to
// callers. It never carries plaintext or key material.
type RecordSummary struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	DataType    string      `json:"data_type"`
	Sensitivity Sensitivity `json:"sensitivity"`
	CreatedAt   time.Time   `json:"created_at"`
}

// BackupKind distinguishes archive types.
type BackupKind string

const (
	BackupKindFull        BackupKind = "full"
	BackupKindIncremental BackupKind = "incremental"
)

// Frequency is the cadence at which scheduled backups run.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Interval returns the wall-clock interval between scheduled runs. Monthly
// is approximated as 30 days, not calendar-accurate.
func (f Frequency) Interval() (time.Duration, error) {
	switch f {
	case FrequencyHourly:
		return time.Hour, nil
	case FrequencyDaily:
		return 24 * time.Hour, nil
	case FrequencyWeekly:
		return 7 * 24 * time.Hour, nil
	case FrequencyMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown backup frequency: %q", f)
	}
}

// BackupConfig is the operator-supplied backup policy.
type BackupConfig struct {
	// Frequency controls the scheduler cadence.
	Frequency Frequency `json:"frequency"`

	// Retention is the number of archives to keep; older archives are
	// deleted after each successful full backup.
	Retention int `json:"retention"`

	// EncryptBackups encrypts the serialized snapshot with a freshly
	// generated password before compression.
	EncryptBackups bool `json:"encrypt_backups"`

	// Location identifies the target storage location; used to prevent
	// overlapping runs against the same target.
	Location string `json:"location"`

	// IncludeMedia archives bulk media files alongside structured data.
	IncludeMedia bool `json:"include_media"`

	// MediaPath is the directory holding bulk media when IncludeMedia is set.
	MediaPath string `json:"media_path,omitempty"`

	// CompressionLevel is the gzip level, 1 (fastest) to 9 (smallest).
	CompressionLevel int `json:"compression_level"`
}

// DefaultBackupConfig returns a daily, encrypted policy retaining 30 archives.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		Frequency:        FrequencyDaily,
		Retention:        30,
		EncryptBackups:   true,
		Location:         "./backups",
		IncludeMedia:     true,
		CompressionLevel: 6,
	}
}

// Validate checks the configuration for values that would make a backup run
// fail or silently misbehave.
func (c BackupConfig) Validate() error {
	if _, err := c.Frequency.Interval(); err != nil {
		return err
	}
	if c.Retention < 1 {
		return fmt.Errorf("retention must be at least 1, got %d", c.Retention)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression level must be between 1 and 9, got %d", c.CompressionLevel)
	}
	if c.Location == "" {
		return fmt.Errorf("backup location cannot be empty")
	}
	if c.IncludeMedia && c.MediaPath == "" {
		return fmt.Errorf("media path is required when media is included")
	}
	return nil
}

// RestoreOptions controls how a restore run behaves.
type RestoreOptions struct {
	// RestoreMedia also unpacks the media archive, when one exists.
	RestoreMedia bool `json:"restore_media"`

	// SkipChecksumValidation disables verifying the archive checksum
	// before decompression and decryption. The zero value validates, so a
	// caller passing RestoreOptions{} still gets integrity checking.
	SkipChecksumValidation bool `json:"skip_checksum_validation,omitempty"`

	// MediaPath is the directory media files are restored into.
	MediaPath string `json:"media_path,omitempty"`
}

// DefaultRestoreOptions validates checksums and restores media.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{
		RestoreMedia: true,
	}
}

// BackupFilter narrows ListBackups results. Zero values match everything.
type BackupFilter struct {
	Kind BackupKind
	From time.Time
	To   time.Time
}
