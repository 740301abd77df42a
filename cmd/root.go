package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	logLevel   string
	catalog    string
	dataSource string
	version    = "dev"
	commit     = "none"
	date       = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dimpipe",
	Short: "dimpipe: customer dimension pipeline",
	Long: `dimpipe loads a child company's raw customer exports into bronze, cleanses
them into silver, projects a curated gold dimension and merges it into the
parent company's shared customer dimension.

Run "dimpipe run" for the whole pipeline or a stage command for one step.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; it only seeds ${ENV:...} references for local runs.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		return nil
	},
}

func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.dimpipe/dimpipe.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&catalog, "catalog", "", "catalog to write to (default from config, else fmcg)")
	rootCmd.PersistentFlags().StringVar(&dataSource, "data-source", "", "data source to process (default from config, else customers)")
}
