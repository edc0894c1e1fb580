// Package mcp exposes the market snapshot to MCP clients. Every tool reads
// the cached snapshot or the session calendar; none of them places orders.
package mcp

import (
	"log/slog"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/niftydash/kite-dashboard/kc"
)

type Tool interface {
	Tool() gomcp.Tool
	Handler(*kc.Manager) server.ToolHandlerFunc
}

// GetAllTools lists the dashboard tools in registration order.
func GetAllTools() []Tool {
	return []Tool{
		&MarketStatusTool{},
		&SnapshotTool{},
		&OptionChainTool{},
		&FuturesTool{},
		&TopMoversTool{},
	}
}

// parseExcludedTools reads the EXCLUDED_TOOLS list, e.g.
// "get_futures, get_top_movers".
func parseExcludedTools(list string) map[string]bool {
	names := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names[name] = true
		}
	}
	return names
}

// filterTools drops the excluded tools and reports how many were kept and
// how many were dropped.
func filterTools(tools []Tool, excluded map[string]bool) ([]Tool, int, int) {
	kept := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if !excluded[tool.Tool().Name] {
			kept = append(kept, tool)
		}
	}
	return kept, len(kept), len(tools) - len(kept)
}

// readOnly marks a snapshot tool as safe to call repeatedly. The snapshot
// still comes from the broker, so the tool stays open-world.
func readOnly(t gomcp.Tool) gomcp.Tool {
	yes, no := true, false
	t.Annotations.ReadOnlyHint = &yes
	t.Annotations.IdempotentHint = &yes
	t.Annotations.DestructiveHint = &no
	return t
}

// RegisterTools adds every tool not named in excludedTools to srv.
func RegisterTools(srv *server.MCPServer, manager *kc.Manager, excludedTools string, logger *slog.Logger) {
	excluded := parseExcludedTools(excludedTools)
	for name := range excluded {
		logger.Info("Excluding tool from registration", "tool", name)
	}

	all := GetAllTools()
	tools, registered, skipped := filterTools(all, excluded)
	for _, tool := range tools {
		srv.AddTool(readOnly(tool.Tool()), tool.Handler(manager))
	}

	logger.Info("Registered market tools",
		"registered", registered,
		"excluded", skipped,
		"total_available", len(all))
}
