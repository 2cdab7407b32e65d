// Package mcp defines the contract to the external MCP client registry. The
// concrete transport lives outside this core; the runtime only needs to
// enumerate servers and call tools through this interface.
package mcp

import (
	"context"
	"fmt"
	"sync"
)

// ToolInfo describes one tool exposed by an MCP server.
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SchemaJSON  string `json:"schema_json"`
}

// Client is one connected MCP server.
type Client interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, tool string, argsJSON string) (string, error)
}

// Registry holds the connected MCP clients by server name.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces a client.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Client returns the client for a server name.
func (r *Registry) Client(server string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[server]
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not connected", server)
	}
	return c, nil
}

// Servers lists the connected server names.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
