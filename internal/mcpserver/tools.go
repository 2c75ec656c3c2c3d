package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the inferbroker MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolInitSession = mcp.NewTool("init_session",
	mcp.WithDescription(
		"Initialize a broker session for your wallet. The broker generates an "+
			"ephemeral signing key for inference requests; your wallet key stays local. "+
			"Optionally fund the on-chain ledger at the same time, which parks a "+
			"transaction you must approve with approve_operation."),
	mcp.WithString("amount",
		mcp.Description("Optional initial funding amount in tokens (e.g. '0.5'). Only used when the ledger does not exist yet.")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your on-chain inference ledger balance. "+
			"Shows available and total deposited funds."),
)

var ToolListPendingOperations = mcp.NewTool("list_pending_operations",
	mcp.WithDescription(
		"List signing requests the broker has parked for your wallet. "+
			"Each entry shows what you are being asked to sign (a transaction or a message). "+
			"Review them before calling approve_operation or cancel_operation."),
)

var ToolApproveOperation = mcp.NewTool("approve_operation",
	mcp.WithDescription(
		"Approve a pending signing request: signs it locally with your wallet key "+
			"and hands the result back to the broker. For transactions this produces "+
			"a raw signed transaction the broker broadcasts. "+
			"Only approve operations you recognize."),
	mcp.WithString("operation_id",
		mcp.Required(),
		mcp.Description("The operation ID from list_pending_operations (e.g. 'op_...')")),
)

var ToolCancelOperation = mcp.NewTool("cancel_operation",
	mcp.WithDescription(
		"Reject a pending signing request. The broker call waiting on it fails "+
			"immediately and nothing is signed or broadcast."),
	mcp.WithString("operation_id",
		mcp.Required(),
		mcp.Description("The operation ID from list_pending_operations")),
)

var ToolGetHistory = mcp.NewTool("get_history",
	mcp.WithDescription(
		"Show recent broker activity for your wallet: ledger creation, deposits, "+
			"provider acknowledgements, inference requests, and settlements."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
)
