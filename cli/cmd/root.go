package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/custodia"
	"southwinds.dev/custodia/audit"
	"southwinds.dev/custodia/persist"
)

var (
	cfgFile     string
	storePath   string
	tenantID    string
	store       persist.Store
	vault       *custodia.Vault
	manager     *custodia.BackupManager
	auditLogger audit.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "custodia",
	Short: "An encrypted-data vault with access grants, audit logging and backups",
	Long: `An encrypted-data vault that stores records under per-record keys,
shares them between principals through revocable access grants, appends a
durable audit entry for every decrypt, and protects the whole dataset with
compressed, optionally encrypted backup archives under a retention policy.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		var firstErr error
		if vault != nil {
			firstErr = vault.Close()
		}
		if store != nil {
			if err := store.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.custodia.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant identifier")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")

	bindFlagOrPanic("vault.path", "store-path")
	bindFlagOrPanic("vault.tenant", "tenant")
	bindFlagOrPanic("vault.store_type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	bindFlagFromSet(rootCmd.PersistentFlags(), configKey, flagName)
}

func bindFlagFromSet(flags *pflag.FlagSet, configKey, flagName string) {
	if err := viper.BindPFlag(configKey, flags.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/custodia")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".custodia")
	}

	viper.SetEnvPrefix("CUSTODIA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".custodia")
	viper.SetDefault("vault.tenant", "default")
	viper.SetDefault("vault.store_type", "filesystem")
	viper.SetDefault("vault.memory_lock", true)

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.key_prefix", "custodia")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("backup.frequency", string(custodia.FrequencyDaily))
	viper.SetDefault("backup.retention", 30)
	viper.SetDefault("backup.encrypt", true)
	viper.SetDefault("backup.location", "./backups")
	viper.SetDefault("backup.include_media", false)
	viper.SetDefault("backup.media_path", "")
	viper.SetDefault("backup.compression_level", 6)
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}
	// Config inspection must work without a reachable store
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	storePath = viper.GetString("vault.path")
	tenantID = viper.GetString("vault.tenant")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore()
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	options := custodia.DefaultOptions()
	options.TenantID = tenantID
	options.EnableMemoryLock = viper.GetBool("vault.memory_lock")

	vault, err = custodia.New(options, store, nil, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize vault for tenant %s: %w", tenantID, err)
	}

	manager, err = custodia.NewBackupManager(store, nil, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize backup manager: %w", err)
	}

	return nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		TenantID: viper.GetString("vault.tenant"),
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore() (persist.Store, error) {
	storeType := persist.StoreType(viper.GetString("vault.store_type"))

	cfg := persist.StoreConfig{Type: storeType}
	switch storeType {
	case persist.StoreTypeFileSystem:
		cfg.Config = map[string]interface{}{
			"base_path": storePath,
		}
	case persist.StoreTypeS3:
		cfg.Config = map[string]interface{}{
			"endpoint":          viper.GetString("vault.s3.endpoint"),
			"access_key_id":     viper.GetString("vault.s3.access_key_id"),
			"secret_access_key": viper.GetString("vault.s3.secret_access_key"),
			"use_ssl":           viper.GetBool("vault.s3.use_ssl"),
			"region":            viper.GetString("vault.s3.region"),
			"bucket":            viper.GetString("vault.s3.bucket"),
			"key_prefix":        viper.GetString("vault.s3.key_prefix"),
		}
	}

	return persist.NewStore(cfg, tenantID)
}

// backupConfigFromViper assembles the backup policy from flags and config.
func backupConfigFromViper() custodia.BackupConfig {
	return custodia.BackupConfig{
		Frequency:        custodia.Frequency(viper.GetString("backup.frequency")),
		Retention:        viper.GetInt("backup.retention"),
		EncryptBackups:   viper.GetBool("backup.encrypt"),
		Location:         viper.GetString("backup.location"),
		IncludeMedia:     viper.GetBool("backup.include_media"),
		MediaPath:        viper.GetString("backup.media_path"),
		CompressionLevel: viper.GetInt("backup.compression_level"),
	}
}
