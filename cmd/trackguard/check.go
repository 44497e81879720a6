package main

import (
	"github.com/spf13/cobra"

	"trackguard/internal/engine"
)

func newCheckCmd() *cobra.Command {
	var page string

	cmd := &cobra.Command{
		Use:   "check RESOURCE_URL...",
		Short: "Print the matcher's decision for resource URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			matcher, err := a.buildMatcher(nil)
			if err != nil {
				return err
			}

			type result struct {
				URL string `json:"url"`
				engine.Decision
			}
			out := make([]result, 0, len(args))
			for _, u := range args {
				out = append(out, result{URL: u, Decision: matcher.Decide(u, page)})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&page, "page", "", "URL of the page loading the resources")
	return cmd
}
