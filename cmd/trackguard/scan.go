package main

import (
	"github.com/spf13/cobra"

	"trackguard/internal/analysis"
)

func newScanCmd() *cobra.Command {
	var blockedOnly bool

	cmd := &cobra.Command{
		Use:   "scan PAGE_URL",
		Short: "Fetch a page and report which of its subresources would be blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			matcher, err := a.buildMatcher(nil)
			if err != nil {
				return err
			}

			report, err := analysis.NewScanner(matcher, a.logger).ScanPage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if blockedOnly {
				kept := report.Resources[:0]
				for _, r := range report.Resources {
					if r.Blocked {
						kept = append(kept, r)
					}
				}
				report.Resources = kept
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&blockedOnly, "blocked-only", false, "list only the resources that would be blocked")
	return cmd
}
