package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Guardian MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScanWallet = mcp.NewTool("scan_wallet",
	mcp.WithDescription(
		"Run a risk scan on a wallet or contract address before interacting with it. "+
			"Probes contract verification, sanctions lists, token approvals, liquidity, "+
			"and reputation, then returns a trust score (0-100, higher is safer) with "+
			"risk flags. Use this before approving, sending funds to, or trading with "+
			"an unknown address."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet or contract address to scan (e.g. '0x1234...')")),
	mcp.WithString("network",
		mcp.Description("Blockchain network (default 'ethereum')")),
	mcp.WithString("probe_types",
		mcp.Description("Comma-separated subset of probes to run: 'contract', 'sanctions', 'approvals', 'liquidity', 'reputation'. Omit to run all.")),
)

var ToolGetScan = mcp.NewTool("get_scan",
	mcp.WithDescription(
		"Fetch a previously completed scan session by its scan ID. "+
			"Returns the stored trust score, probe results, and risk flags."),
	mcp.WithString("scan_id",
		mcp.Required(),
		mcp.Description("The scan session ID from a previous scan_wallet result (e.g. 'scan_...')")),
)

var ToolListScans = mcp.NewTool("list_scans",
	mcp.WithDescription(
		"List recent scan sessions for a wallet address, newest first. "+
			"Useful for seeing how an address's trust score has changed over time."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address to look up")),
	mcp.WithString("network",
		mcp.Description("Blockchain network (default 'ethereum')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default 20)")),
)

var ToolSimulateRevoke = mcp.NewTool("simulate_revoke",
	mcp.WithDescription(
		"Simulate revoking a token approval before executing it on-chain. "+
			"Predicts whether the revocation transaction would succeed or revert, "+
			"and estimates the gas cost. A predicted revert is informative: it tells "+
			"you the revocation cannot be executed as-is (e.g. a paused or frozen token). "+
			"No transaction is sent and no keys are needed."),
	mcp.WithString("owner",
		mcp.Required(),
		mcp.Description("The wallet that granted the approval (e.g. '0x1234...')")),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("The token contract address the approval was granted on")),
	mcp.WithString("spender",
		mcp.Required(),
		mcp.Description("The spender address whose allowance should be revoked")),
	mcp.WithString("network",
		mcp.Description("Blockchain network (default 'ethereum')")),
)
