// Mcpspect-demo is a minimal MCP stdio server used as a known-good
// inspection subject. It declares a single "health" tool that returns
// the literal text "ok", which is exactly what mcpspect -check expects:
//
//	mcpspect -check -require-capability tools -- mcpspect-demo
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpspect/mcpspect/internal/buildinfo"
)

// healthArgs is the (empty) input schema of the health tool.
type healthArgs struct{}

func main() {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "mcpspect-demo",
		Version: buildinfo.Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "health",
		Description: "Liveness probe; always returns ok.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args healthArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "ok"}},
		}, nil, nil
	})

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "mcpspect-demo: %v\n", err)
		os.Exit(1)
	}
}
