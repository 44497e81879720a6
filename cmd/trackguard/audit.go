package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trackguard/internal/engine"
	"trackguard/internal/packet"
)

func newAuditCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "audit CAPTURE_FILE",
		Short: "Replay a pcap or pcapng capture through the matcher",
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

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			var onRequest func(packet.Request, engine.Decision)
			if verbose {
				onRequest = func(r packet.Request, d engine.Decision) {
					if d.Blocked {
						fmt.Fprintf(out, "BLOCK %-4s %s (%s %s)\n", r.Kind, r.URL, d.Reason, d.Category)
					}
				}
			}

			summary, err := packet.Replay(f, matcher, a.logger, onRequest)
			if err != nil {
				return err
			}
			return printJSON(out, summary)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every blocked request")
	return cmd
}
