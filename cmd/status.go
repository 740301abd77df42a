package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/lock"
	"github.com/fmcg/dimpipe/internal/report"
	"github.com/fmcg/dimpipe/internal/state"
)

var statusReport bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stages and table versions of the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p := cfg.Params
		st, err := state.Load(state.Path(cfg.StateDir, p), p)
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}

		fmt.Printf("%s / %s\n", p.Catalog, p.DataSource)
		if st.LastRunID != "" {
			fmt.Printf("Last run: %s (%s)\n", st.LastRunID, st.LastUpdated.Format(time.RFC3339))
		}
		if held, pid, _ := lock.IsHeld(lock.Path(cfg.StateDir, p)); held {
			fmt.Printf("Running: pid %d\n", pid)
		}
		fmt.Println()

		stages := append([]state.Stage{}, state.Stages...)
		stages = append(stages, state.StagePublish)
		for _, stage := range stages {
			ss := st.Stages[stage]
			mark := "  "
			switch st.StageStatus(stage) {
			case state.StatusComplete:
				mark = "OK"
			case state.StatusFailed:
				mark = "!!"
			case state.StatusRunning:
				mark = ">>"
			case state.StatusSkipped:
				mark = "--"
			}
			line := fmt.Sprintf("  [%s] %-10s", mark, stage)
			if ss.Rows > 0 {
				line += fmt.Sprintf(" rows=%d", ss.Rows)
			}
			if ss.Error != "" {
				line += " error: " + ss.Error
			}
			fmt.Println(line)
		}

		if len(st.TableVersions) > 0 {
			fmt.Println()
			fmt.Println("Table versions:")
			for _, name := range sortedNames(st.TableVersions) {
				fmt.Printf("  %-32s v%d\n", name, st.TableVersions[name])
			}
		}
		for _, name := range sortedNames(st.Published) {
			fmt.Printf("Published: %s through v%d\n", name, st.Published[name])
		}

		if !statusReport {
			if st.ReportPath != "" {
				fmt.Printf("Report: %s\n", st.ReportPath)
			}
			return nil
		}
		path := st.ReportPath
		if path == "" {
			if path, err = report.Latest(cfg.StateDir, p); err != nil {
				return err
			}
		}
		r, err := report.ReadJSON(path)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Print(report.FormatText(r))
		return nil
	},
}

func sortedNames(m map[string]int64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func init() {
	statusCmd.Flags().BoolVar(&statusReport, "report", false, "print the last run report")
	rootCmd.AddCommand(statusCmd)
}
