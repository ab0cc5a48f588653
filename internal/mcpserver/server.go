package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/recordstore"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/view"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all escrow party tools
// registered. The returned func releases the view.
func NewMCPServer(cfg *config.ClientConfig, logger *slog.Logger) (*server.MCPServer, func()) {
	gate := session.NewTokenGate(cfg.Token)
	client := recordstore.New(cfg.APIURL, gate, recordstore.WithLogger(logger))
	v := view.NewEscrowView(client, view.NewSubscriber(cfg.WSURL, gate, logger), view.Options{
		PollInterval:          cfg.PollInterval,
		RequiredConfirmations: escrow.RequiredConfirmations,
		Logger:                logger,
	})
	return newServer(NewHandlers(client, v)), v.Close
}

func newServer(h *Handlers) *server.MCPServer {
	s := server.NewMCPServer("escrowsync", Version)

	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolSelectAction, h.HandleSelectAction)
	s.AddTool(ToolClearAction, h.HandleClearAction)
	s.AddTool(ToolConfirm, h.HandleConfirm)
	s.AddTool(ToolCheckPayment, h.HandleCheckPayment)
	s.AddTool(ToolSendMessage, h.HandleSendMessage)
	s.AddTool(ToolRequestPriceChange, h.HandleRequestPriceChange)
	s.AddTool(ToolProposePrice, h.HandleProposePrice)

	return s
}
