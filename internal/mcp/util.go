package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ensembleworks/ensemble/internal/log"
)

// dataToMCP converts arbitrary data to MCP text content via JSON
// marshaling. All tool output becomes JSON; clients parse it.
func dataToMCP(data any, logger log.Logger) *mcp.CallToolResult {
	b, err := json.Marshal(data)
	if err != nil {
		logger.Warn("marshaling tool result", "error", err)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "internal error encoding result"}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}
}

// errorResult builds a tool-level error. These are client mistakes
// (bad input, unknown ids), reported inside the result so the model can
// correct itself; infrastructure failures propagate as protocol errors
// instead. Messages must stay free of paths, addresses, and backend
// detail.
func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
