package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RegisterCmd returns the register command
func RegisterCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <document-hash> <escrow-id>",
		Short: "Release an escrow when a document hash is notarized",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().RegisterEscrow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, res)
			}

			if res.Registration.Created {
				fmt.Fprintf(out, "%s registered %s -> escrow %s\n", okMark, res.DocumentHash, args[1])
			} else {
				fmt.Fprintf(out, "%s updated %s -> escrow %s (was %s)\n",
					okMark, res.DocumentHash, args[1], res.Registration.Previous)
			}
			fmt.Fprintf(out, "Pending escrows: %d\n", res.Registration.Size)
			if res.Warning != "" {
				fmt.Fprintf(out, "%s %s\n", warnMark, color.New(color.FgYellow).Sprint(res.Warning))
			}
			return nil
		},
	}
}

// PendingCmd returns the pending command
func PendingCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List escrows waiting for their document",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().ListPending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "No pending escrows.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %s\n", e.DocumentHash, color.New(color.FgCyan).Sprint(e.EscrowID))
			}
			fmt.Fprintf(out, "\n%d pending\n", len(entries))
			return nil
		},
	}
}
