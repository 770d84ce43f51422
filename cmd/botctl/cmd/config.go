package cmd

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage botctl configuration",
	Long:  `Manage botctl configuration settings.`,
}

// redactURL hides the password of a database URL
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

func currentConfig() map[string]any {
	return map[string]any{
		"gateway":      grpcAddr,
		"webhook-url":  webhookURL,
		"database-url": redactURL(databaseURL),
		"secret-file":  secretFile,
		"timeout":      timeout.String(),
		"json":         outputJSON,
	}
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, currentConfig())
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Gateway: %s\n", grpcAddr)
		fmt.Fprintf(out, "  Webhook URL: %s\n", webhookURL)
		fmt.Fprintf(out, "  Database URL: %s\n", redactURL(databaseURL))
		if secretFile != "" {
			fmt.Fprintf(out, "  Secret file: %s\n", secretFile)
		}
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  botctl config set gateway localhost:50051
  botctl config set webhook-url http://localhost:8080/webhook
  botctl config set secret-file ./secrets/webhook-secret
  botctl config set timeout 30s
  botctl config set json true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !slices.Contains(configKeys, key) {
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys, ", "))
		}

		switch key {
		case "json":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
			}
			viper.Set(key, b)
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid duration for %s: %s", key, value)
			}
			viper.Set(key, d.String())
		default:
			viper.Set(key, value)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		out := cmd.OutOrStdout()
		if key == "database-url" {
			value = redactURL(value)
		}
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		fmt.Fprintf(out, "Configuration saved to: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
}
