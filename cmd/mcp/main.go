// escrowsync MCP server - exposes escrow party actions as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/mcpserver"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "ESCROWSYNC_TOKEN is required")
		os.Exit(1)
	}

	// stdout carries the MCP stream
	logger := logging.NewWriter(os.Stderr, envOrDefault("LOG_LEVEL", "warn"), "text")

	s, closeView := mcpserver.NewMCPServer(cfg, logger)
	defer closeView()
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
