package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the listener MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListenerStatus = mcp.NewTool("listener_status",
	mcp.WithDescription(
		"Show the escrow listener's state: whether it is subscribed to DocumentHashRecorded events, "+
			"reconnect attempts, pending escrow count, time since the last event and armed timers."),
)

var ToolListPending = mcp.NewTool("list_pending_escrows",
	mcp.WithDescription(
		"List escrows waiting for their document to be notarized on chain. "+
			"Each entry maps a document hash to the escrow id released when that hash is recorded."),
)

var ToolRegisterEscrow = mcp.NewTool("register_escrow",
	mcp.WithDescription(
		"Register an escrow to be released automatically when a document hash is notarized. "+
			"Registering the same hash again replaces its escrow id."),
	mcp.WithString("document_hash",
		mcp.Required(),
		mcp.Description("SHA-256 document hash, 64 hex characters with or without 0x")),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id on the payment escrow contract, a non-negative decimal integer")),
)

var ToolReconnect = mcp.NewTool("reconnect_listener",
	mcp.WithDescription(
		"Reset the reconnect budget and resubscribe to notary events. "+
			"Use this after the listener reports retries exhausted."),
)

var ToolStopListener = mcp.NewTool("stop_listener",
	mcp.WithDescription(
		"Detach the event subscription and clear all listener timers. "+
			"Pending escrows are kept; registering a new escrow or reconnecting resumes listening."),
)

var ToolDiagnose = mcp.NewTool("diagnose_listener",
	mcp.WithDescription(
		"Run the provider and event path diagnostics: query the RPC network and head block, "+
			"then scan recent blocks for DocumentHashRecorded events."),
)

var ToolHealth = mcp.NewTool("service_health",
	mcp.WithDescription(
		"Get the service health report: registry backend reachability and listener liveness."),
)
