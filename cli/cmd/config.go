package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	Long:  "Print the configuration after merging defaults, config file, environment variables and flags. Credentials are redacted.",
	RunE:  showConfig,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func showConfig(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	redactSecrets(settings)

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Fprintf(os.Stderr, "# config file: %s\n", file)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// redactSecrets masks credential values in place before display.
func redactSecrets(settings map[string]interface{}) {
	secretKeys := map[string]bool{
		"secret_access_key": true,
		"access_key_id":     true,
		"passphrase":        true,
		"password":          true,
	}
	for key, value := range settings {
		if nested, ok := value.(map[string]interface{}); ok {
			redactSecrets(nested)
			continue
		}
		if secretKeys[key] {
			if s, ok := value.(string); ok && s != "" {
				settings[key] = "***"
			}
		}
	}
}
