package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/table"
)

var changesFrom int64

// tableArg resolves an optional table argument: a full catalog.layer.table
// name, or one of bronze, silver, curated, parent. Defaults to the parent.
func tableArg(p table.Params, args []string) (table.Name, error) {
	if len(args) == 0 {
		return table.ParentDimension(p), nil
	}
	switch args[0] {
	case "bronze":
		return table.Bronze(p), nil
	case "silver":
		return table.Silver(p), nil
	case "curated":
		return table.CompanyDimension(p), nil
	case "parent":
		return table.ParentDimension(p), nil
	}
	return table.ParseName(args[0])
}

var historyCmd = &cobra.Command{
	Use:   "history [table]",
	Short: "List the committed versions of a table",
	Long: `List a table's versions, newest first. The table is bronze, silver, curated,
parent (the default) or a full catalog.layer.table name.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEnv(ctx, envOptions{quiet: true})
		if err != nil {
			return err
		}
		defer e.close(ctx)

		name, err := tableArg(e.cfg.Params, args)
		if err != nil {
			return err
		}
		hist, err := e.store.History(ctx, name)
		if err != nil {
			return err
		}

		fmt.Println(name.String())
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tTIMESTAMP\tOPERATION\tROWS\tINSERTED\tUPDATED\tRUN")
		for _, h := range hist {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				h.Version, h.Timestamp.Format(time.RFC3339), h.Operation, h.Rows, h.Inserted, h.Updated, h.RunID)
		}
		return w.Flush()
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes [table]",
	Short: "Print change feed records of a table as JSON lines",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEnv(ctx, envOptions{quiet: true})
		if err != nil {
			return err
		}
		defer e.close(ctx)

		name, err := tableArg(e.cfg.Params, args)
		if err != nil {
			return err
		}
		changes, err := e.store.Changes(ctx, name, changesFrom)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, c := range changes {
			if err := enc.Encode(c); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	changesCmd.Flags().Int64Var(&changesFrom, "from", 0, "first version to include")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(changesCmd)
}
