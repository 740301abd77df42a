package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file interactively",
	Long:  `Walk through prompts to create a dimpipe configuration file at ~/.dimpipe/dimpipe.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := config.ExpandHome(config.DefaultPath)
		if cfgFile != "" {
			cfgPath = cfgFile
		}
		if _, err := os.Stat(cfgPath); err == nil {
			return fmt.Errorf("%s already exists", cfgPath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		reader := bufio.NewReader(os.Stdin)
		cfg := config.Default()

		fmt.Println("dimpipe Configuration Setup")
		fmt.Println("===========================")
		fmt.Println()

		cfg.Params.Catalog = prompt(reader, "Catalog", cfg.Params.Catalog)
		cfg.Params.DataSource = prompt(reader, "Data source", cfg.Params.DataSource)
		fmt.Println()

		fmt.Println("Source")
		fmt.Println("------")
		cfg.Source.Type = prompt(reader, "Source type (s3/local)", cfg.Source.Type)
		if cfg.Source.Type == config.SourceLocal {
			cfg.Source.Bucket = ""
			cfg.Source.Path = prompt(reader, "Base directory", "./data")
		} else {
			cfg.Source.Bucket = prompt(reader, "Bucket", cfg.Source.Bucket)
			cfg.Source.Region = prompt(reader, "Region", "ap-south-1")
		}
		fmt.Println()

		fmt.Println("Store")
		fmt.Println("-----")
		cfg.Store.Type = prompt(reader, "Store type (postgres/mongo/memory)", cfg.Store.Type)
		switch cfg.Store.Type {
		case config.StoreMongo:
			cfg.Store.ConnectionString = prompt(reader, "Connection string", "mongodb://localhost:27017")
		case config.StoreMemory:
			cfg.Store.ConnectionString = ""
		default:
			cfg.Store.ConnectionString = prompt(reader, "Connection string", cfg.Store.ConnectionString)
		}
		fmt.Println()

		if brokers := prompt(reader, "Kafka brokers for the change feed (comma separated, empty to skip)", ""); brokers != "" {
			cfg.ChangeFeed.Brokers = strings.Split(brokers, ",")
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(cfgPath); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		fmt.Printf("Config written to %s\n", cfgPath)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  dimpipe bootstrap --parent   Create the catalog, schemas and parent dimension")
		fmt.Println("  dimpipe run                  Run every stage")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func prompt(reader *bufio.Reader, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("  %s: ", label)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
