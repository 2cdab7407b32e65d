package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coreclaw/coreclaw/internal/mcp"
)

// MCPObserver receives per-server MCP call outcomes.
type MCPObserver interface {
	MCPCall(server string, failed bool)
}

// RegisterMCP imports every tool from the connected MCP servers as
// "mcp.<server>.<tool>". Execution requires admin and passes the allowlist
// through the policy engine; both are enforced in Registry.Execute.
func RegisterMCP(ctx context.Context, r *Registry, registry *mcp.Registry, observer MCPObserver, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, server := range registry.Servers() {
		client, err := registry.Client(server)
		if err != nil {
			continue
		}
		infos, err := client.ListTools(ctx)
		if err != nil {
			logger.Warn("mcp: list tools failed", "server", server, "error", err)
			continue
		}
		for _, info := range infos {
			name := fmt.Sprintf("mcp.%s.%s", info.Server, info.Name)
			schema := json.RawMessage(info.SchemaJSON)
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			toolName := info.Name
			serverName := info.Server
			err := r.RegisterRaw(name, info.Description, schema,
				func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
					client, err := registry.Client(serverName)
					if err != nil {
						return "", err
					}
					out, err := client.CallTool(ctx, toolName, string(args))
					if observer != nil {
						observer.MCPCall(serverName, err != nil)
					}
					return out, err
				})
			if err != nil {
				logger.Warn("mcp: register tool failed", "tool", name, "error", err)
			}
		}
	}
}
