package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trackguard/internal/updater"
)

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Fetch every configured list into the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}

			results := updater.New(a.db, a.logger).Run(cmd.Context(), a.cfg.Blocking.Sources)
			failed := 0
			out := cmd.OutOrStdout()
			for _, r := range results {
				switch {
				case r.Err != nil:
					failed++
					fmt.Fprintf(out, "%-24s FAILED  %v\n", r.Source, r.Err)
				case r.NotModified:
					fmt.Fprintf(out, "%-24s up to date\n", r.Source)
				default:
					fmt.Fprintf(out, "%-24s %d rows\n", r.Source, r.Rows)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(results))
			}
			return nil
		},
	}
}
