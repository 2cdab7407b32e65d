// Package agent operates the bounded tool-calling loop against a
// language-model provider. The provider itself is an external collaborator;
// this package fixes its contract and ships the default HTTP implementation.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/tools"
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one function invocation requested by the model. Arguments is
// the raw JSON string as sent by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation turn in the provider exchange.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is the provider call input.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []tools.Definition
	Temperature float64
}

// ChatResponse is the provider call output.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is the language-model contract.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ErrProviderTimeout marks a provider call that exceeded its deadline.
type ErrProviderTimeout struct {
	TimeoutMs int
}

func (e *ErrProviderTimeout) Error() string {
	return fmt.Sprintf("provider request timed out after %dms", e.TimeoutMs)
}

// ErrInvalidResponse marks a provider response that failed schema validation.
type ErrInvalidResponse struct {
	Detail string
}

func (e *ErrInvalidResponse) Error() string {
	return "provider returned an invalid response: " + e.Detail
}

// responseSchema validates the shape of the provider's completion document
// before any field is trusted.
const responseSchema = `{
	"type": "object",
	"required": ["choices"],
	"properties": {
		"choices": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {"type": "object"}
				}
			}
		}
	}
}`

// HTTPProvider is the default provider: an OpenAI-compatible chat-completions
// endpoint reached with Bearer auth.
type HTTPProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
	schema *jsonschema.Schema
}

// NewHTTPProvider builds the default provider from configuration.
func NewHTTPProvider(cfg config.ProviderConfig) (*HTTPProvider, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal response schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	schema, err := compiler.Compile("response.json")
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{},
		schema: schema,
	}, nil
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Content   json.RawMessage `json:"content"`
	ToolCalls []wireToolCall  `json:"tool_calls"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

// Chat performs one completion request under the configured deadline.
func (p *HTTPProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	timeout := time.Duration(p.cfg.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(p.buildRequestBody(req))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal provider request: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return ChatResponse{}, &ErrProviderTimeout{TimeoutMs: p.cfg.TimeoutMs}
		}
		return ChatResponse{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResponse{}, &ErrInvalidResponse{
			Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, truncateForError(raw))}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ChatResponse{}, &ErrInvalidResponse{Detail: err.Error()}
	}
	if err := p.schema.Validate(doc); err != nil {
		return ChatResponse{}, &ErrInvalidResponse{Detail: err.Error()}
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ChatResponse{}, &ErrInvalidResponse{Detail: err.Error()}
	}
	msg := wire.Choices[0].Message

	out := ChatResponse{Content: flattenContent(msg.Content)}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		// Malformed argument documents become the empty object.
		var probe any
		if json.Unmarshal([]byte(args), &probe) != nil {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (p *HTTPProvider) buildRequestBody(req ChatRequest) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, entry)
	}

	body := map[string]any{
		"model":       req.Model,
		"messages":    msgs,
		"temperature": req.Temperature,
	}
	if len(req.Tools) > 0 {
		defs := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			defs = append(defs, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = defs
	}
	return body
}

// flattenContent joins a plain string or an array of {text} fragments.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

func truncateForError(raw []byte) string {
	s := string(raw)
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
