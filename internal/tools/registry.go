// Package tools holds the tool registry: schema-validated invocation with
// role-based access control, audit, and output truncation. Tools receive a
// ToolContext exposing only the bus publish methods and the storage, never
// the router, which breaks the bus/router/runtime cycle.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/policy"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// ErrBadArgs is a tool-level argument validation failure, returned to the
// model as a tool error.
type ErrBadArgs struct {
	Tool   string
	Detail string
}

func (e *ErrBadArgs) Error() string {
	return fmt.Sprintf("bad arguments for %s: %s", e.Tool, e.Detail)
}

// Handler executes one validated tool call.
type Handler func(ctx context.Context, tc *Context, args json.RawMessage) (string, error)

// Tool is one registered tool: name, description, parameter schema, handler.
type Tool struct {
	Name        string
	Description string
	schema      *compiledSchema
	handler     Handler
}

// Definition is the provider-facing tool description.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Observer receives per-call latency for metrics aggregation.
type Observer interface {
	ToolCall(name string, latency time.Duration, failed bool)
}

// Registry stores a closed set of tools and dispatches by name.
type Registry struct {
	policy   *policy.Engine
	recorder *audit.Recorder
	logger   *slog.Logger
	observer Observer

	maxOutputChars int

	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(pol *policy.Engine, recorder *audit.Recorder, maxOutputChars int, observer Observer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if maxOutputChars <= 0 {
		maxOutputChars = 8192
	}
	return &Registry{
		policy:         pol,
		recorder:       recorder,
		logger:         logger,
		observer:       observer,
		maxOutputChars: maxOutputChars,
		tools:          make(map[string]*Tool),
	}
}

// Register adds a tool whose parameter schema is derived from the params
// struct prototype. Panics on schema compilation failure: a tool with a
// broken schema is a programming error caught at startup.
func (r *Registry) Register(name, description string, params any, handler Handler) {
	schema, err := compileParams(params)
	if err != nil {
		panic(fmt.Sprintf("tools: compile schema for %s: %v", name, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		schema:      schema,
		handler:     handler,
	}
}

// RegisterRaw adds a tool whose parameter schema is already a JSON document,
// as with tools imported from an MCP server.
func (r *Registry) RegisterRaw(name, description string, schemaJSON json.RawMessage, handler Handler) error {
	schema, err := compileRaw(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		schema:      schema,
		handler:     handler,
	}
	return nil
}

// Definitions returns provider-facing tool descriptions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Definition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.schema.raw,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool call: schema validation, policy consultation,
// handler invocation, audit, and output truncation.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string, tc *Context) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", &ErrBadArgs{Tool: name, Detail: "unknown tool"}
	}

	args := strings.TrimSpace(argsJSON)
	if args == "" {
		args = "{}"
	}
	if err := tool.schema.validate(args); err != nil {
		r.record(ctx, name, storage.AuditError, err.Error(), []byte(args))
		return "", &ErrBadArgs{Tool: name, Detail: err.Error()}
	}

	var argMap map[string]any
	if err := json.Unmarshal([]byte(args), &argMap); err != nil {
		r.record(ctx, name, storage.AuditError, err.Error(), []byte(args))
		return "", &ErrBadArgs{Tool: name, Detail: "arguments must be a JSON object"}
	}

	if err := r.policy.CheckTool(name, tc.Chat, argMap); err != nil {
		r.record(ctx, name, storage.AuditDenied, err.Error(), []byte(args))
		return "", err
	}

	start := time.Now()
	result, err := tool.handler(ctx, tc, json.RawMessage(args))
	latency := time.Since(start)
	if r.observer != nil {
		r.observer.ToolCall(name, latency, err != nil)
	}

	if err != nil {
		r.record(ctx, name, storage.AuditError, err.Error(), []byte(args))
		return "", err
	}
	r.record(ctx, name, storage.AuditOK, "", []byte(args))

	if len(result) > r.maxOutputChars {
		result = result[:r.maxOutputChars] + "\n...truncated"
	}
	return result, nil
}

func (r *Registry) record(ctx context.Context, tool, outcome, reason string, args []byte) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(ctx, audit.KindToolExecute, tool, outcome, reason, args)
}
