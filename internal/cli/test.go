package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/proofmint/notarylistener/internal/apiclient"
)

// TestCmd returns the test command
func TestCmd(opts *clientOptions) *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run the provider and event path diagnostics",
		Long: `Checks the RPC provider, scans recent blocks for DocumentHashRecorded
events and prints the listener status. When the listener is not
subscribed it asks for a reconnect and runs the checks again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnostics(cmd.Context(), cmd.OutOrStdout(), opts.client(), settle)
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", 3*time.Second, "wait after a reconnect before re-checking")

	return cmd
}

func runDiagnostics(ctx context.Context, out io.Writer, c *apiclient.Client, settle time.Duration) error {
	heading(out, "Provider connection")
	provider, err := c.TestProvider(ctx)
	if err != nil {
		return diagnosticError(out, err)
	}
	_ = printJSON(out, provider)
	if !provider.Connected {
		fmt.Fprintf(out, "\n%s provider connection failed, check RPC_URL and network access\n", failMark)
		return fmt.Errorf("provider not connected: %s", provider.Error)
	}

	fmt.Fprintln(out)
	heading(out, "Event listener")
	events, err := c.TestEvents(ctx)
	if err != nil {
		return diagnosticError(out, err)
	}
	_ = printJSON(out, events)

	fmt.Fprintln(out)
	heading(out, "Listener status")
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(out, st)

	if st.IsListening {
		fmt.Fprintf(out, "\n%s listener is active and working\n", okMark)
		return nil
	}

	fmt.Fprintf(out, "\n%s listener is not active, attempting to reconnect\n", warnMark)
	if _, err := c.Reconnect(ctx); err != nil {
		fmt.Fprintf(out, "%s reconnect failed: %v\n", failMark, err)
		return err
	}

	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Fprintln(out)
	heading(out, "Status after reconnection")
	if st, err = c.Status(ctx); err != nil {
		return err
	}
	printStatus(out, st)

	if provider, err = c.TestProvider(ctx); err == nil {
		fmt.Fprintln(out)
		heading(out, "Provider after reconnection")
		_ = printJSON(out, provider)
	}
	if events, err = c.TestEvents(ctx); err == nil {
		fmt.Fprintln(out)
		heading(out, "Event listener after reconnection")
		_ = printJSON(out, events)
	}
	return nil
}

func diagnosticError(out io.Writer, err error) error {
	if apiclient.IsBlockchainDisabled(err) {
		fmt.Fprintf(out, "%s blockchain features are disabled: %v\n", failMark, err)
	}
	return err
}
