package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowsync MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List the escrows you take part in, newest first, with their status and amount."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Show one escrow: amount, payment status, both parties' release/cancel choices, "+
			"whether you can act, pending notices and the latest chat messages."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolSelectAction = mcp.NewTool("select_action",
	mcp.WithDescription(
		"Record your choice to release funds to the seller or cancel the escrow. "+
			"Funds move only when both parties select the same action and confirm. "+
			"Only available while the escrow is funded."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("'release' or 'cancel'"),
		mcp.Enum("release", "cancel")),
)

var ToolClearAction = mcp.NewTool("clear_action",
	mcp.WithDescription(
		"Withdraw your release/cancel choice. The other party's choice is not affected."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolConfirm = mcp.NewTool("confirm_action",
	mcp.WithDescription(
		"Confirm release or cancel. When both parties confirm the same action the escrow "+
			"is settled: release pays the seller, cancel refunds the buyer. "+
			"Releasing requires the seller's payout details."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("'release' or 'cancel'"),
		mcp.Enum("release", "cancel")),
)

var ToolCheckPayment = mcp.NewTool("check_payment",
	mcp.WithDescription(
		"Check on-chain confirmations of a crypto escrow's deposit. "+
			"The escrow becomes funded at 3 confirmations."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolSendMessage = mcp.NewTool("send_message",
	mcp.WithDescription(
		"Send a chat message to the other party of an escrow (max 1000 characters)."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("body",
		mcp.Required(),
		mcp.Description("Message text")),
)

var ToolRequestPriceChange = mcp.NewTool("request_price_change",
	mcp.WithDescription(
		"As the seller, ask the buyer to propose a new price for the escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolProposePrice = mcp.NewTool("propose_price",
	mcp.WithDescription(
		"As the buyer, set a new amount for the escrow. The escrow goes back to pending "+
			"and must be paid again; both parties' choices are reset."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("New amount in the escrow's currency (e.g. '150.00')")),
)
