package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/cleanse"
	"github.com/fmcg/dimpipe/internal/table"
	"github.com/fmcg/dimpipe/internal/tui"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show what cleansing would change in the current bronze table",
	Long: `Read the bronze table, apply the cleanse rules in memory and print the
report: duplicate ids, trimmed names, city corrections and null-city patches.
Nothing is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEnv(ctx, envOptions{quiet: true})
		if err != nil {
			return err
		}
		defer e.close(ctx)

		lk, err := e.lookups(ctx)
		if err != nil {
			return err
		}
		bronze := table.Bronze(e.cfg.Params)
		raw, err := e.store.Read(ctx, bronze)
		if err != nil {
			return fmt.Errorf("reading %s: %w", bronze, err)
		}
		_, rep, err := cleanse.Apply(raw, lk)
		if err != nil {
			return err
		}

		if inspectJSON {
			data, _ := json.MarshalIndent(rep, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(tui.RenderCleanseReport(bronze.String(), rep))
		for _, w := range lk.Validate() {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(inspectCmd)
}
