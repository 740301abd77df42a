package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/pipeline"
	"github.com/fmcg/dimpipe/internal/report"
	"github.com/fmcg/dimpipe/internal/state"
	"github.com/fmcg/dimpipe/internal/tui"
)

var (
	runTUI    bool
	runDryRun bool
	runVerify bool
	runParent bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage: bootstrap, ingest, cleanse, conform, merge",
	Long: `Run the whole pipeline in order, halting at the first failing stage. Stages
that already committed keep their table versions. A run report is written to
the state directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx, envOptions{dryRun: runDryRun, quiet: runTUI})
		if err != nil {
			return err
		}
		defer e.close(ctx)

		r, err := e.runner(ctx, true)
		if err != nil {
			return err
		}
		r.CreateParent = runParent || runDryRun
		r.Verify = runVerify

		if runTUI {
			err = e.locked(func() error { return runWithProgress(ctx, r) })
		} else {
			r.Callback = func(s pipeline.StageStatus) {
				switch s.Status {
				case state.StatusComplete:
					fmt.Printf("  [OK] %-10s %d rows %s\n", s.Stage, s.Rows, s.Table)
				case state.StatusFailed:
					fmt.Printf("  [!!] %-10s %v\n", s.Stage, s.Err)
				case state.StatusSkipped:
					fmt.Printf("  [--] %-10s skipped\n", s.Stage)
				}
			}
			err = e.locked(func() error { return r.Run(ctx) })
		}
		e.finish(ctx, r, err)

		fmt.Println()
		fmt.Print(report.FormatText(r.Report))
		return err
	},
}

// runWithProgress runs the pipeline behind a bubbletea progress view.
// Quitting the view cancels the run.
func runWithProgress(ctx context.Context, r *pipeline.Runner) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stages := append([]state.Stage(nil), state.Stages...)
	if r.Publisher != nil {
		stages = append(stages, state.StagePublish)
	}
	p := tea.NewProgram(tui.NewProgressModel(r.Params, stages))
	r.Callback = func(s pipeline.StageStatus) { p.Send(tui.StageMsg(s)) }

	errc := make(chan error, 1)
	go func() {
		err := r.Run(ctx)
		p.Send(tui.DoneMsg{Err: err})
		errc <- err
	}()

	final, err := p.Run()
	if err != nil {
		cancel()
		<-errc
		return fmt.Errorf("running progress view: %w", err)
	}
	if m, ok := final.(tui.ProgressModel); ok && m.Cancelled() {
		cancel()
	}
	return <-errc
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show an interactive progress view")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "run against an in-memory store with an empty parent dimension")
	runCmd.Flags().BoolVar(&runVerify, "verify", false, "verify the written tables after merge")
	runCmd.Flags().BoolVar(&runParent, "parent", false, "create the parent dimension if absent")
	rootCmd.AddCommand(runCmd)
}
