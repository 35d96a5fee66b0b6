package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/proofmint/notarylistener/internal/apiclient"
	"github.com/proofmint/notarylistener/internal/listener"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListenerStatus reports the listener state.
func (h *Handlers) HandleListenerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get listener status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(st)), nil
}

// HandleListPending lists pending escrows.
func (h *Handlers) HandleListPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := h.client.ListPending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending escrows: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No pending escrows."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending escrow(s):\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s -> escrow %s\n", i+1, e.DocumentHash, e.EscrowID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRegisterEscrow registers a document hash for release.
func (h *Handlers) HandleRegisterEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentHash := req.GetString("document_hash", "")
	escrowID := req.GetString("escrow_id", "")
	if documentHash == "" || escrowID == "" {
		return mcp.NewToolResultError("document_hash and escrow_id are required"), nil
	}

	res, err := h.client.RegisterEscrow(ctx, documentHash, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to register escrow: %v", err)), nil
	}

	var sb strings.Builder
	if res.Registration.Created {
		fmt.Fprintf(&sb, "Registered %s -> escrow %s.\n", res.DocumentHash, escrowID)
	} else {
		fmt.Fprintf(&sb, "Updated %s -> escrow %s (previously %s).\n", res.DocumentHash, escrowID, res.Registration.Previous)
	}
	fmt.Fprintf(&sb, "Pending escrows: %d\n", res.Registration.Size)
	if res.Warning != "" {
		fmt.Fprintf(&sb, "Warning: %s\n", res.Warning)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconnect resubscribes with a fresh retry budget.
func (h *Handlers) HandleReconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.Reconnect(ctx)
	if err != nil {
		if apiclient.IsBlockchainDisabled(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Blockchain features are disabled: %v", err)), nil
		}
		msg := fmt.Sprintf("Reconnect failed: %v", err)
		if st != nil && st.State != "" {
			msg += "\n\n" + formatStatus(st)
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultText("Reconnected.\n\n" + formatStatus(st)), nil
}

// HandleStopListener detaches the subscription.
func (h *Handlers) HandleStopListener(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.StopListening(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop listener: %v", err)), nil
	}
	return mcp.NewToolResultText("Listener stopped.\n\n" + formatStatus(st)), nil
}

// HandleDiagnose runs both diagnostics and reports them together.
func (h *Handlers) HandleDiagnose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider, err := h.client.TestProvider(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Provider test failed: %v", err)), nil
	}

	var sb strings.Builder
	if provider.Connected {
		fmt.Fprintf(&sb, "Provider: connected to %s (chain %d), head block %d\n",
			provider.Network, provider.ChainID, provider.BlockNumber)
	} else {
		fmt.Fprintf(&sb, "Provider: NOT connected (%s)\n", provider.Error)
		return mcp.NewToolResultText(sb.String()), nil
	}

	events, err := h.client.TestEvents(ctx)
	if err != nil {
		fmt.Fprintf(&sb, "Event path: test failed (%v)\n", err)
		return mcp.NewToolResultText(sb.String()), nil
	}
	if events.Working {
		fmt.Fprintf(&sb, "Event path: working, %d DocumentHashRecorded event(s) in recent blocks up to %d\n",
			events.RecentEvents, events.LatestBlock)
	} else {
		fmt.Fprintf(&sb, "Event path: NOT working (%s)\n", events.Error)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleHealth returns the service health document.
func (h *Handlers) HandleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get health: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

func formatStatus(st *listener.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s\n", st.State)
	fmt.Fprintf(&sb, "Listening: %t\n", st.IsListening)
	fmt.Fprintf(&sb, "Contracts initialized: %t\n", st.ContractsInitialized)
	fmt.Fprintf(&sb, "Pending escrows: %d (%d releasing)\n", st.PendingCount, st.InFlightReleases)
	fmt.Fprintf(&sb, "Reconnect attempts: %d/%d\n", st.ReconnectAttempts, st.MaxReconnectAttempts)
	if !st.LastEventTime.IsZero() {
		ago := time.Duration(st.TimeSinceLastEvent) * time.Millisecond
		fmt.Fprintf(&sb, "Last event: %s ago\n", ago.Round(time.Second))
	}
	if st.RetriesExhausted {
		sb.WriteString("Retries exhausted: use reconnect_listener to resume.\n")
	}
	if st.DisabledReason != "" {
		fmt.Fprintf(&sb, "Disabled: %s\n", st.DisabledReason)
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.LastError)
	}
	return sb.String()
}

// formatJSON pretty prints raw JSON, falling back to the raw text.
func formatJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
