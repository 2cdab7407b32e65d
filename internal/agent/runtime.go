package agent

import (
	"context"
	"log/slog"

	"github.com/coreclaw/coreclaw/internal/tools"
)

// ExhaustedSentinel is returned as the assistant content when the loop runs
// out of tool iterations without a final answer.
const ExhaustedSentinel = "Unable to complete the request within tool limits."

// Result is the outcome of one agent run.
type Result struct {
	Content      string
	ToolMessages []Message
}

// Runtime drives the bounded tool-calling loop.
type Runtime struct {
	provider      Provider
	registry      *tools.Registry
	logger        *slog.Logger
	model         string
	temperature   float64
	maxIterations int
}

// NewRuntime builds the agent runtime.
func NewRuntime(provider Provider, registry *tools.Registry, model string, temperature float64, maxIterations int, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations <= 0 {
		maxIterations = 8
	}
	return &Runtime{
		provider:      provider,
		registry:      registry,
		logger:        logger,
		model:         model,
		temperature:   temperature,
		maxIterations: maxIterations,
	}
}

// Run executes up to maxIterations provider rounds, dispatching tool calls
// through the registry between rounds. Tool failures become tool-result
// messages and the loop continues; provider failures abort the run.
func (rt *Runtime) Run(ctx context.Context, messages []Message, tc *tools.Context) (Result, error) {
	conversation := append([]Message(nil), messages...)
	var toolMessages []Message

	defs := rt.registry.Definitions()

	for iteration := 0; iteration < rt.maxIterations; iteration++ {
		resp, err := rt.provider.Chat(ctx, ChatRequest{
			Model:       rt.model,
			Messages:    conversation,
			Tools:       defs,
			Temperature: rt.temperature,
		})
		if err != nil {
			return Result{}, err
		}

		if len(resp.ToolCalls) == 0 {
			return Result{Content: resp.Content, ToolMessages: toolMessages}, nil
		}

		// Record the assistant turn holding the calls, then execute each in
		// order.
		assistant := Message{Role: RoleAssistant, ToolCalls: resp.ToolCalls}
		conversation = append(conversation, assistant)
		toolMessages = append(toolMessages, assistant)

		for _, call := range resp.ToolCalls {
			output, err := rt.registry.Execute(ctx, call.Name, call.Arguments, tc)
			if err != nil {
				output = "Tool error: " + err.Error()
				rt.logger.Warn("agent: tool call failed", "tool", call.Name, "error", err)
			}
			toolMsg := Message{Role: RoleTool, Content: output, ToolCallID: call.ID}
			conversation = append(conversation, toolMsg)
			toolMessages = append(toolMessages, toolMsg)
		}
	}

	rt.logger.Warn("agent: tool iteration limit reached", "max_iterations", rt.maxIterations)
	return Result{Content: ExhaustedSentinel, ToolMessages: toolMessages}, nil
}

// Summarize asks the provider for a conversation summary without tools.
func (rt *Runtime) Summarize(ctx context.Context, messages []Message) (string, error) {
	conversation := append([]Message(nil), messages...)
	conversation = append(conversation, Message{
		Role:    RoleUser,
		Content: "Summarize the conversation. Keep it under 150 words.",
	})
	resp, err := rt.provider.Chat(ctx, ChatRequest{
		Model:       rt.model,
		Messages:    conversation,
		Temperature: rt.temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
