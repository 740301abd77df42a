package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and validate the dimpipe configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current config (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Current configuration:")
		fmt.Println()
		fmt.Printf("  Params:\n")
		fmt.Printf("    Catalog:        %s\n", cfg.Params.Catalog)
		fmt.Printf("    Data Source:    %s\n", cfg.Params.DataSource)
		fmt.Println()
		fmt.Printf("  Source:\n")
		fmt.Printf("    Type:           %s\n", cfg.Source.Type)
		fmt.Printf("    Location:       %s\n", cfg.SourceGlob())
		if cfg.Source.Region != "" {
			fmt.Printf("    Region:         %s\n", cfg.Source.Region)
		}
		fmt.Println()
		fmt.Printf("  Store:\n")
		fmt.Printf("    Type:           %s\n", cfg.Store.Type)
		fmt.Printf("    Connection:     %s\n", maskSecret(cfg.Store.ConnectionString))
		fmt.Printf("    Max Conns:      %d\n", cfg.Store.MaxConnections)
		fmt.Println()
		lookups := cfg.Lookups.Path
		if lookups == "" {
			lookups = "(built-in)"
		}
		fmt.Printf("  Lookups:          %s\n", lookups)
		if cfg.ChangeFeed.Enabled() {
			fmt.Printf("  Change Feed:      %s -> %s\n", strings.Join(cfg.ChangeFeed.Brokers, ","), cfg.ChangeFeedTopic())
		}
		if cfg.Metrics.PushgatewayURL != "" {
			fmt.Printf("  Pushgateway:      %s (job %s)\n", maskSecret(cfg.Metrics.PushgatewayURL), cfg.Metrics.Job)
		}
		fmt.Printf("  State Dir:        %s\n", cfg.StateDir)
		if cfg.ReportURI != "" {
			fmt.Printf("  Report URI:       %s\n", cfg.ReportURI)
		}
		fmt.Printf("  Log Dir:          %s (%s)\n", cfg.Logging.Directory, cfg.Logging.Level)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}

func maskSecret(s string) string {
	if strings.HasPrefix(s, "${") {
		return s
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
