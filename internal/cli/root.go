// Package cli implements notaryctl, the operator command line for the
// escrow listener API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/proofmint/notarylistener/internal/apiclient"
)

const defaultAPIURL = "http://localhost:3001"

// clientOptions are the persistent flags shared by every command.
type clientOptions struct {
	apiURL      string
	adminSecret string
	timeout     time.Duration
	jsonOutput  bool
}

func (o *clientOptions) client() *apiclient.Client {
	return apiclient.New(apiclient.Config{
		APIURL:      o.apiURL,
		AdminSecret: o.adminSecret,
		Timeout:     o.timeout,
	})
}

// RootCmd builds the notaryctl command tree.
func RootCmd(version string) *cobra.Command {
	_ = godotenv.Load()

	opts := &clientOptions{}

	root := &cobra.Command{
		Use:     "notaryctl",
		Short:   "Operate the notary escrow listener",
		Version: version,
		Long: `notaryctl talks to a running listener over its HTTP API.
It registers escrows, inspects the subscription state and runs the
provider and event path diagnostics.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("NOTARY_API_URL", defaultAPIURL), "listener API base URL")
	root.PersistentFlags().StringVar(&opts.adminSecret, "admin-secret", os.Getenv("ADMIN_SECRET"), "bearer secret for operator endpoints")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print raw JSON")

	root.AddCommand(StatusCmd(opts))
	root.AddCommand(RegisterCmd(opts))
	root.AddCommand(PendingCmd(opts))
	root.AddCommand(ReconnectCmd(opts))
	root.AddCommand(StopCmd(opts))
	root.AddCommand(TestCmd(opts))

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
	failMark = color.New(color.FgRed).Sprint("✗")
)

func heading(w io.Writer, title string) {
	fmt.Fprintln(w, color.New(color.Bold).Sprint(title))
}
