// Package policy enforces role-based access control on tool invocation, the
// admin bootstrap protocol, the web URL policy, and the MCP allowlist.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// ErrDenied is returned for any policy denial. Its message names the
// required role.
type ErrDenied struct {
	Tool     string
	Required string
	Reason   string
}

func (e *ErrDenied) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("policy denied %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("policy denied %s: requires role %q", e.Tool, e.Required)
}

// protectedWorkspaceFiles require admin for fs.write.
var protectedWorkspaceFiles = map[string]struct{}{
	"IDENTITY.md": {},
	"TOOLS.md":    {},
	"USER.md":     {},
	".mcp.json":   {},
}

// Engine evaluates tool access rules against a chat role.
type Engine struct {
	cfg config.Config
}

// NewEngine builds the policy engine from the loaded configuration.
func NewEngine(cfg config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// CheckTool applies the role rules for a tool invocation. args carries the
// decoded tool arguments needed by path- and scope-sensitive rules.
func (p *Engine) CheckTool(toolName string, chat storage.Chat, args map[string]any) error {
	switch toolName {
	case "shell.exec":
		if !chat.IsAdmin() {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin}
		}
	case "fs.write":
		target, _ := args["path"].(string)
		if requiresAdminWrite(target) && !chat.IsAdmin() {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin,
				Reason: fmt.Sprintf("writing %q requires role %q", target, storage.RoleAdmin)}
		}
	case "memory.write":
		scope, _ := args["scope"].(string)
		if scope == "global" && !chat.IsAdmin() {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin,
				Reason: fmt.Sprintf("scope=global requires role %q", storage.RoleAdmin)}
		}
	case "message.send":
		targetChannel, _ := args["channel"].(string)
		targetChat, _ := args["chatId"].(string)
		crossChat := (targetChannel != "" && targetChannel != chat.Channel) ||
			(targetChat != "" && targetChat != chat.ChatID)
		if crossChat && !chat.IsAdmin() {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin,
				Reason: fmt.Sprintf("sending to another chat requires role %q", storage.RoleAdmin)}
		}
	case "bus.replay_dead_letter":
		if !chat.IsAdmin() {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin}
		}
	}
	if strings.HasPrefix(toolName, "mcp.") {
		if !chat.IsAdmin() {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin}
		}
		server, tool := splitMCPName(strings.TrimPrefix(toolName, "mcp."))
		if !p.AllowMCPTool(server, tool) {
			return &ErrDenied{Tool: toolName, Required: storage.RoleAdmin,
				Reason: fmt.Sprintf("MCP tool %s.%s is not on the allowlist", server, tool)}
		}
	}
	return nil
}

// requiresAdminWrite reports whether a workspace-relative path is protected.
func requiresAdminWrite(target string) bool {
	cleaned := path.Clean(strings.ReplaceAll(strings.TrimSpace(target), "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "./")
	if _, ok := protectedWorkspaceFiles[cleaned]; ok {
		return true
	}
	return cleaned == "skills" || strings.HasPrefix(cleaned, "skills/")
}

// AllowMCPTool checks the (server, tool) pair against the configured
// allowlist: exact "server.tool", the alias "server/tool", or the glob
// "server.*" / "server/*".
func (p *Engine) AllowMCPTool(server, tool string) bool {
	if server == "" || tool == "" {
		return false
	}
	dotted := server + "." + tool
	slashed := server + "/" + tool
	for _, entry := range p.cfg.MCPAllowlist {
		entry = strings.TrimSpace(entry)
		switch entry {
		case dotted, slashed, server + ".*", server + "/*":
			return true
		}
	}
	return false
}

func splitMCPName(name string) (server, tool string) {
	for _, sep := range []string{".", "/"} {
		if i := strings.Index(name, sep); i > 0 {
			return name[:i], name[i+len(sep):]
		}
	}
	return name, ""
}
