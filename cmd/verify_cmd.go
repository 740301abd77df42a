package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fmcg/dimpipe/internal/verify"
)

var verifyJSON bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the silver, curated and parent tables",
	Long: `Check that silver has one row per customer id with trimmed names and correct
labels, and that every curated customer appears exactly once in the parent
dimension with the same attributes. Exits non-zero unless every check passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEnv(ctx, envOptions{quiet: true})
		if err != nil {
			return err
		}
		defer e.close(ctx)

		v := &verify.Verifier{
			Store:  e.store,
			Params: e.cfg.Params,
		}
		if !verifyJSON {
			v.Callback = func(tbl, check string, passed bool) {
				status := "PASS"
				if !passed {
					status = "FAIL"
				}
				fmt.Printf("  [%s] %s: %s\n", status, tbl, check)
			}
		}

		result, err := v.Verify(ctx)
		if err != nil {
			return err
		}

		if verifyJSON {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("\nVerification: %s\n", result.Status)
			for _, t := range result.Tables {
				for _, c := range t.Checks {
					if !c.Passed {
						fmt.Printf("  %s %s: %s %v\n", t.Table, c.Name, c.Message, c.Examples)
					}
				}
			}
		}

		if result.Status != verify.StatusPass {
			return fmt.Errorf("verification %s", result.Status)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(verifyCmd)
}
