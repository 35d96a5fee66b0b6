package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/proofmint/notarylistener/internal/listener"
)

// StatusCmd returns the status command
func StatusCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the listener state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func stateLabel(s listener.State) string {
	upper := string(s)
	switch s {
	case listener.StateListening:
		return color.New(color.FgHiGreen).Sprint(upper)
	case listener.StateReconnecting:
		return color.New(color.FgYellow).Sprint(upper)
	case listener.StateDisabled, listener.StateStopped:
		return color.New(color.FgRed).Sprint(upper)
	default:
		return color.New(color.FgHiBlack).Sprint(upper)
	}
}

func printStatus(w io.Writer, st *listener.Status) {
	fmt.Fprintf(w, "State:       %s\n", stateLabel(st.State))
	fmt.Fprintf(w, "Listening:   %t\n", st.IsListening)
	fmt.Fprintf(w, "Contracts:   %t\n", st.ContractsInitialized)
	fmt.Fprintf(w, "Pending:     %d (%d releasing)\n", st.PendingCount, st.InFlightReleases)
	fmt.Fprintf(w, "Reconnects:  %d/%d\n", st.ReconnectAttempts, st.MaxReconnectAttempts)
	if !st.LastEventTime.IsZero() {
		ago := time.Duration(st.TimeSinceLastEvent) * time.Millisecond
		fmt.Fprintf(w, "Last event:  %s (%s ago)\n", st.LastEventTime.Format(time.RFC3339), ago.Round(time.Second))
	}
	if st.RetriesExhausted {
		fmt.Fprintf(w, "%s reconnect attempts exhausted, run `notaryctl reconnect`\n", failMark)
	}
	if st.DisabledReason != "" {
		fmt.Fprintf(w, "%s disabled: %s\n", warnMark, st.DisabledReason)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:  %s\n", st.LastError)
	}
	fmt.Fprintf(w, "Timers:      health=%t eventTimeout=%t filterRefresh=%t reconnect=%t\n",
		st.Timers.HealthCheck, st.Timers.EventTimeout, st.Timers.FilterRefresh, st.Timers.Reconnect)
}
