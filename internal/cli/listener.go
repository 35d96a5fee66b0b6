package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ReconnectCmd returns the reconnect command
func ReconnectCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Reset the retry budget and resubscribe",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Reconnect(cmd.Context())
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "%s reconnect failed: %v\n", failMark, err)
				if st != nil && st.State != "" {
					printStatus(out, st)
				}
				return err
			}
			if opts.jsonOutput {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "%s subscribed\n", okMark)
			printStatus(out, st)
			return nil
		},
	}
}

// StopCmd returns the stop command
func StopCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Detach the subscription and clear every timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().StopListening(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "%s listener stopped\n", okMark)
			printStatus(out, st)
			return nil
		},
	}
}
