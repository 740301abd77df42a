package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/state"
	"github.com/fmcg/dimpipe/internal/tui"
)

var bootstrapParent bool

// stageCmd builds the command for a single pipeline stage.
func stageCmd(stage state.Stage, short, long string) *cobra.Command {
	return &cobra.Command{
		Use:   string(stage),
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStages(ctx, stage)
		},
	}
}

func runStages(ctx context.Context, stage state.Stage) error {
	e, err := openEnv(ctx, envOptions{})
	if err != nil {
		return err
	}
	defer e.close(ctx)

	r, err := e.runner(ctx, stage == state.StageIngest)
	if err != nil {
		return err
	}
	r.CreateParent = bootstrapParent

	stages := []state.Stage{stage}
	if stage == state.StageMerge && r.Publisher != nil {
		stages = append(stages, state.StagePublish)
	}

	err = e.locked(func() error {
		for _, s := range stages {
			if err := r.RunStage(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	e.finish(ctx, r, err)
	if err != nil {
		return err
	}

	for _, o := range r.Report.Stages {
		line := fmt.Sprintf("%s: %s", o.Stage, o.Status)
		if o.Table != "" {
			line += fmt.Sprintf(" (%s v%d, %d rows)", o.Table, o.Version, o.Rows)
		}
		fmt.Println(line)
	}
	if stage == state.StageCleanse && r.Report.Cleanse != nil {
		fmt.Println()
		fmt.Println(tui.RenderCleanseReport("Cleanse report", r.Report.Cleanse))
	}
	if r.Report.Merge != nil {
		fmt.Printf("merge: %d inserted, %d updated\n", r.Report.Merge.Inserted, r.Report.Merge.Updated)
	}
	return nil
}

func init() {
	bootstrapCmd := stageCmd(state.StageBootstrap,
		"Create the catalog and its bronze, silver and gold schemas",
		`Create the catalog and its layer schemas if they do not exist. With --parent,
also create an empty parent dimension for local development.`)
	bootstrapCmd.Flags().BoolVar(&bootstrapParent, "parent", false, "also create the parent dimension if absent")

	cmds := []*cobra.Command{
		bootstrapCmd,
		stageCmd(state.StageIngest,
			"Load raw CSV exports into the bronze table",
			`Read every CSV under the data source's folder, add read_timestamp, file_name,
file_size and file_row_number, and overwrite the bronze table.`),
		stageCmd(state.StageCleanse,
			"Cleanse bronze into the silver table",
			`Deduplicate on customer_id, trim and title-case names, correct city typos,
patch missing cities from the overrides and overwrite the silver table.`),
		stageCmd(state.StageConform,
			"Add the customer label and constant attributes, write the curated dimension",
			`Add customer, market, platform and channel to silver and overwrite the
curated per-company dimension gold.sb_dim_{data_source}.`),
		stageCmd(state.StageMerge,
			"Upsert the curated dimension into the parent dimension",
			`Rename customer_id to customer_code and merge into gold.dim_{data_source}:
matched codes are updated, new codes inserted, nothing is deleted. Publishes
the resulting changes when a change feed is configured.`),
	}
	for _, c := range cmds {
		rootCmd.AddCommand(c)
	}
}
