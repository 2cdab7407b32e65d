// Package prompt assembles the provider input for one inbound turn: system
// prompt sections, chat history, and the approximate token budget.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

// Run kinds.
const (
	KindChat      = "chat"
	KindHeartbeat = "heartbeat"
	KindScheduled = "scheduled"
)

// TruncationSuffix is appended when the system prompt is cut by the budget.
const TruncationSuffix = "\n...[truncated by token budget]"

// ScheduledPrefix marks the user message of a scheduled-task turn.
const ScheduledPrefix = "[Scheduled Task] "

// RunMode governs prompt assembly and outbound suppression for one turn.
type RunMode struct {
	Kind        string
	ContextMode string
}

// IncludeChatContext reports whether chat-scoped sections and history are
// assembled for this mode.
func (m RunMode) IncludeChatContext() bool {
	return m.Kind == KindChat || m.ContextMode == storage.ContextModeGroup
}

// DeriveRunMode classifies an inbound envelope.
func DeriveRunMode(env bus.Envelope) RunMode {
	if env.IsHeartbeat() {
		return RunMode{Kind: KindHeartbeat, ContextMode: storage.ContextModeGroup}
	}
	if env.IsScheduledTask() {
		mode := storage.ContextModeGroup
		if v, _ := env.Metadata[bus.MetaContextMode].(string); v == storage.ContextModeIsolated {
			mode = storage.ContextModeIsolated
		}
		return RunMode{Kind: KindScheduled, ContextMode: mode}
	}
	return RunMode{Kind: KindChat, ContextMode: storage.ContextModeGroup}
}

// Builder assembles provider conversations.
type Builder struct {
	store     *storage.Store
	workspace *workspace.Workspace
	skills    *skills.Index
	cfg       config.Config
}

// NewBuilder creates a Builder.
func NewBuilder(store *storage.Store, ws *workspace.Workspace, idx *skills.Index, cfg config.Config) *Builder {
	return &Builder{store: store, workspace: ws, skills: idx, cfg: cfg}
}

// Build produces the message list for one inbound turn, already trimmed to
// the token budget.
func (b *Builder) Build(ctx context.Context, chat storage.Chat, env bus.Envelope, mode RunMode) ([]agent.Message, error) {
	state, err := b.store.GetConversationState(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	system := b.systemPrompt(chat, state, mode)

	var messages []agent.Message
	if mode.IncludeChatContext() {
		history, err := b.store.RecentMessages(ctx, chat.ID, b.cfg.HistoryMaxMessages,
			storage.MessageRoleUser, storage.MessageRoleAssistant)
		if err != nil {
			return nil, err
		}
		for _, m := range history {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			role := agent.RoleUser
			if m.Role == storage.MessageRoleAssistant {
				role = agent.RoleAssistant
			}
			messages = append(messages, agent.Message{Role: role, Content: m.Content})
		}
	}

	// The inbound may already have been persisted this turn; don't repeat it.
	if n := len(messages); n > 0 && messages[n-1].Role == agent.RoleUser && messages[n-1].Content == env.Content {
		messages = messages[:n-1]
	}

	userContent := env.Content
	if mode.Kind == KindScheduled {
		userContent = ScheduledPrefix + userContent
	}
	messages = append(messages, agent.Message{Role: agent.RoleUser, Content: userContent})

	return b.applyBudget(system, messages), nil
}

// systemPrompt joins the non-empty sections with blank lines, in fixed
// order.
func (b *Builder) systemPrompt(chat storage.Chat, state storage.ConversationState, mode RunMode) string {
	var sections []string
	add := func(s string) {
		if strings.TrimSpace(s) != "" {
			sections = append(sections, strings.TrimSpace(s))
		}
	}

	add(b.workspace.ReadOptional("IDENTITY.md"))
	add(b.workspace.ReadOptional("TOOLS.md"))
	add(b.workspace.ReadOptional("USER.md"))
	add(b.workspace.ReadOptional("memory/GLOBAL.md"))
	if mode.IncludeChatContext() {
		add(b.workspace.ReadOptional(b.workspace.ChatMemoryPath(chat.Channel, chat.ChatID)))
	}

	add(b.skillsIndexSection())
	for _, s := range b.skills.AlwaysSkills() {
		add(s.Body)
	}
	for _, name := range state.EnabledSkills {
		if s, ok := b.skills.Get(name); ok && !s.Always {
			add(s.Body)
		}
	}

	if mode.IncludeChatContext() && strings.TrimSpace(state.Summary) != "" {
		add("Conversation summary:\n" + strings.TrimSpace(state.Summary))
	}

	return strings.Join(sections, "\n\n")
}

// skillsIndexSection renders the bulleted skill index.
func (b *Builder) skillsIndexSection() string {
	all := b.skills.All()
	if len(all) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available skills:")
	for _, s := range all {
		flags := ""
		if s.Always {
			flags = "always"
		}
		fmt.Fprintf(&sb, "\n- %s [%s]: %s", s.Name, flags, s.Description)
	}
	return sb.String()
}

// messageTokens is the budget cost of one message.
func messageTokens(m agent.Message) float64 {
	total := messageOverhead + CountTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += CountTokens(tc.Name) + CountTokens(tc.Arguments)
	}
	return total
}

// applyBudget enforces the approximate token budget:
//  1. drop oldest non-system messages while more than one tail message
//     remains,
//  2. truncate the system prompt (keeping at least the minimum and ending
//     with the truncation suffix),
//  3. truncate the last message, preserving its minimum.
func (b *Builder) applyBudget(system string, messages []agent.Message) []agent.Message {
	budget := float64(b.cfg.Provider.MaxInputTokens - b.cfg.Provider.ReserveOutputTokens)
	if budget < minBudget {
		budget = minBudget
	}

	systemMsg := agent.Message{Role: agent.RoleSystem, Content: system}
	total := func() float64 {
		t := messageTokens(systemMsg)
		for _, m := range messages {
			t += messageTokens(m)
		}
		return t
	}

	// Step 1: drop oldest messages.
	for total() > budget && len(messages) > 1 {
		messages = messages[1:]
	}

	// Step 2: truncate the system prompt.
	if total() > budget && system != "" {
		var tail float64
		for _, m := range messages {
			tail += messageTokens(m)
		}
		available := budget - tail - messageOverhead - CountTokens(TruncationSuffix)
		if available < minSystemTokens {
			available = minSystemTokens
		}
		truncated := TruncateToTokens(system, available)
		if truncated != system {
			systemMsg.Content = truncated + TruncationSuffix
		}
	}

	// Step 3: truncate the last message.
	if total() > budget && len(messages) > 0 {
		last := &messages[len(messages)-1]
		head := messageTokens(systemMsg)
		for _, m := range messages[:len(messages)-1] {
			head += messageTokens(m)
		}
		available := budget - head - messageOverhead
		if available < minTailTokens {
			available = minTailTokens
		}
		last.Content = TruncateToTokens(last.Content, available)
	}

	out := make([]agent.Message, 0, len(messages)+1)
	if strings.TrimSpace(systemMsg.Content) != "" {
		out = append(out, systemMsg)
	}
	out = append(out, messages...)
	return out
}
