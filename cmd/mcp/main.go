// rpclatency MCP server.
// Exposes the run history API as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/rpclatency/internal/mcp"
)

func main() {
	historyURL := os.Getenv("RPCLATENCY_URL")
	if historyURL == "" {
		historyURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"rpclatency",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(historyURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
