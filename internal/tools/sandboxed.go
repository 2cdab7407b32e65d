package tools

import (
	"context"
	"encoding/json"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/isolated"
	"github.com/coreclaw/coreclaw/internal/policy"
)

// sandboxedTools wires shell.exec, web.fetch, and fs.write. Tools in the
// configured isolation set run in a child-process worker; the rest execute
// in-process through the same request path.
type sandboxedTools struct {
	runtime *isolated.Runtime
	cfg     config.Config
	web     policy.WebPolicy
}

func registerSandboxed(r *Registry, runtime *isolated.Runtime, cfg config.Config) {
	st := &sandboxedTools{runtime: runtime, cfg: cfg, web: policy.WebPolicyFromConfig(cfg)}

	type shellParams struct {
		Command string `json:"command" jsonschema:"description=Command line to execute without a shell interpreter"`
	}
	r.Register("shell.exec",
		"Execute a command on the host. Requires admin. The command is tokenized into argv and run without a shell.",
		&shellParams{}, st.shellExec)

	type fetchParams struct {
		URL string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
	}
	r.Register("web.fetch",
		"Fetch a URL and return status, headers, and a bounded body. Redirects are not followed.",
		&fetchParams{}, st.webFetch)

	type writeParams struct {
		Path    string `json:"path" jsonschema:"description=Workspace-relative path to write"`
		Content string `json:"content" jsonschema:"description=Content to write"`
		Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
	}
	r.Register("fs.write",
		"Write or append a file inside the workspace. Paths outside the workspace are rejected.",
		&writeParams{}, st.fsWrite)
}

func (st *sandboxedTools) invoke(ctx context.Context, req isolated.Request) (string, error) {
	var result json.RawMessage
	var err error
	if st.runtime != nil && st.runtime.Handles(req.Tool) {
		result, err = st.runtime.Invoke(ctx, req)
	} else {
		result, err = isolated.ExecuteLocal(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return string(result), nil
}

func (st *sandboxedTools) shellExec(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", &ErrBadArgs{Tool: "shell.exec", Detail: err.Error()}
	}
	return st.invoke(ctx, isolated.Request{
		Tool: "shell.exec",
		Shell: &isolated.ShellPayload{
			Command:         p.Command,
			AllowShell:      st.cfg.AllowShell,
			AllowedCommands: st.cfg.AllowedShellCommands,
			WorkDir:         tc.Workspace.Root(),
			TimeoutMs:       st.cfg.Isolation.CommandTimeoutMs,
			MaxOutputChars:  st.cfg.Isolation.MaxWorkerOutputChars,
		},
	})
}

func (st *sandboxedTools) webFetch(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", &ErrBadArgs{Tool: "web.fetch", Detail: err.Error()}
	}
	return st.invoke(ctx, isolated.Request{
		Tool: "web.fetch",
		Fetch: &isolated.FetchPayload{
			URL:              p.URL,
			Policy:           st.web,
			TimeoutMs:        st.cfg.Isolation.CommandTimeoutMs,
			MaxResponseChars: st.cfg.Isolation.MaxResponseChars,
		},
	})
}

func (st *sandboxedTools) fsWrite(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", &ErrBadArgs{Tool: "fs.write", Detail: err.Error()}
	}
	return st.invoke(ctx, isolated.Request{
		Tool: "fs.write",
		Write: &isolated.WritePayload{
			WorkspaceDir: tc.Workspace.Root(),
			Path:         p.Path,
			Content:      p.Content,
			Append:       p.Append,
		},
	})
}
