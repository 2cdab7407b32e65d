// Package router orchestrates one inbound turn: ledger gate, context build,
// agent run, persistence, deterministic outbound publish, and post-run
// compaction. Errors propagate to the bus, whose retry policy combined with
// the ledger yields effectively-once side effects.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/heartbeat"
	"github.com/coreclaw/coreclaw/internal/prompt"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/tools"
)

// Config holds the router dependencies.
type Config struct {
	Store     *storage.Store
	Bus       *bus.Bus
	Builder   *prompt.Builder
	Runtime   *agent.Runtime
	Heartbeat *heartbeat.Source
	Tools     func(chat storage.Chat) *tools.Context
	Logger    *slog.Logger
	Settings  config.Config
}

// Router handles inbound envelopes dequeued from the bus.
type Router struct {
	store     *storage.Store
	bus       *bus.Bus
	builder   *prompt.Builder
	runtime   *agent.Runtime
	heartbeat *heartbeat.Source
	toolCtx   func(chat storage.Chat) *tools.Context
	logger    *slog.Logger
	settings  config.Config

	compactions sync.WaitGroup
}

// New creates a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:     cfg.Store,
		bus:       cfg.Bus,
		builder:   cfg.Builder,
		runtime:   cfg.Runtime,
		heartbeat: cfg.Heartbeat,
		toolCtx:   cfg.Tools,
		logger:    logger,
		settings:  cfg.Settings,
	}
}

// OutboundID derives the deterministic outbound id for an inbound envelope.
func OutboundID(channel, chatID, inboundID string) string {
	return fmt.Sprintf("outbound:%s:%s:%s", channel, chatID, inboundID)
}

// Wait blocks until background compactions finish; used at shutdown.
func (r *Router) Wait() {
	r.compactions.Wait()
}

// HandleInbound is the single entry point, registered as the bus's inbound
// handler.
func (r *Router) HandleInbound(ctx context.Context, env bus.Envelope) error {
	chat, err := r.store.GetOrCreateChat(ctx, env.Channel, env.ChatID)
	if err != nil {
		return err
	}
	mode := prompt.DeriveRunMode(env)
	outboundID := OutboundID(env.Channel, env.ChatID, env.ID)
	now := time.Now()

	// Ledger gate.
	execution, exists, err := r.store.GetInboundExecution(ctx, env.ID)
	if err != nil {
		return err
	}
	if exists && execution.Status == storage.ExecutionCompleted {
		return r.reemit(ctx, chat, env, execution)
	}

	staleAfter := time.Duration(r.settings.Bus.ProcessingTimeoutMs) * time.Millisecond
	acquired, err := r.store.BeginInboundExecution(ctx, env.ID, outboundID, staleAfter, now)
	if err != nil {
		return err
	}
	if !acquired {
		// Completed just now, or another worker owns a fresh in_progress row.
		execution, exists, err = r.store.GetInboundExecution(ctx, env.ID)
		if err != nil {
			return err
		}
		if exists && execution.Status == storage.ExecutionCompleted {
			return r.reemit(ctx, chat, env, execution)
		}
		return nil
	}

	if _, err := r.runTurn(ctx, chat, env, mode, outboundID); err != nil {
		if failErr := r.store.FailInboundExecution(ctx, env.ID, time.Now()); failErr != nil {
			r.logger.Error("router: mark execution failed", "id", env.ID, "error", failErr)
		}
		return err
	}

	// Post-completion work never fails the turn.
	if mode.Kind != prompt.KindHeartbeat && r.heartbeat != nil {
		r.heartbeat.Wake(ctx, chat)
	}
	r.maybeCompact(ctx, chat)
	return nil
}

// runTurn performs steps 3-8: persist inbound, build context, run the agent,
// persist the reply, publish the deterministic outbound, complete the
// ledger.
func (r *Router) runTurn(ctx context.Context, chat storage.Chat, env bus.Envelope, mode prompt.RunMode, outboundID string) (string, error) {
	if r.shouldPersist(chat) && r.senderAllowed(env) {
		if _, err := r.store.InsertMessage(ctx, chat.ID, storage.MessageRoleUser, env.SenderID, env.Content); err != nil {
			return "", err
		}
	}

	messages, err := r.builder.Build(ctx, chat, env, mode)
	if err != nil {
		return "", err
	}

	result, err := r.runtime.Run(ctx, messages, r.toolCtx(chat))
	if err != nil {
		return "", err
	}
	content := result.Content

	if r.shouldPersist(chat) {
		if _, err := r.store.InsertMessage(ctx, chat.ID, storage.MessageRoleAssistant, "", content); err != nil {
			return "", err
		}
	}

	skipped := false
	if mode.Kind == prompt.KindHeartbeat && r.heartbeat != nil {
		suppress, reason, err := r.heartbeat.ShouldSuppressOutbound(ctx, chat.ID, content)
		if err != nil {
			return "", err
		}
		if suppress {
			r.logger.Info("router: heartbeat outbound suppressed", "chat", chat.ChatID, "reason", reason)
			skipped = true
		}
	}
	if !skipped && strings.TrimSpace(content) == "" {
		skipped = true
	}

	if !skipped {
		if _, err := r.bus.PublishOutbound(ctx, bus.Envelope{
			ID:        outboundID,
			Channel:   env.Channel,
			ChatID:    env.ChatID,
			Content:   content,
			CreatedAt: time.Now(),
		}); err != nil {
			return "", err
		}
		if r.heartbeat != nil {
			if err := r.heartbeat.RecordOutbound(ctx, chat.ID, content); err != nil {
				r.logger.Warn("router: record outbound for dedupe", "error", err)
			}
		}
	}

	if err := r.store.CompleteInboundExecution(ctx, env.ID, content, skipped, time.Now()); err != nil {
		return "", err
	}
	return content, nil
}

// reemit republishes the cached outbound for an already-completed inbound.
// Publish dedupe makes this a no-op when the outbound was already enqueued.
func (r *Router) reemit(ctx context.Context, chat storage.Chat, env bus.Envelope, execution storage.InboundExecution) error {
	if execution.OutboundSkipped || strings.TrimSpace(execution.ResultContent) == "" {
		return nil
	}
	outboundID := execution.OutboundID
	if outboundID == "" {
		outboundID = OutboundID(env.Channel, env.ChatID, env.ID)
	}
	_, err := r.bus.PublishOutbound(ctx, bus.Envelope{
		ID:        outboundID,
		Channel:   env.Channel,
		ChatID:    env.ChatID,
		Content:   execution.ResultContent,
		CreatedAt: time.Now(),
	})
	return err
}

func (r *Router) shouldPersist(chat storage.Chat) bool {
	return chat.Registered || r.settings.StoreFullMessages
}

// senderAllowed applies the per-channel sender identity allowlist. An absent
// or empty list admits every sender.
func (r *Router) senderAllowed(env bus.Envelope) bool {
	allowed, ok := r.settings.AllowedChannelIdentities[env.Channel]
	if !ok || len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == env.SenderID {
			return true
		}
	}
	return false
}

// maybeCompact schedules background compaction when the stored history grew
// past twice the cap: summarize the last block, store the summary, prune.
func (r *Router) maybeCompact(ctx context.Context, chat storage.Chat) {
	count, err := r.store.CountMessages(ctx, chat.ID)
	if err != nil || count <= r.settings.HistoryMaxMessages*2 {
		return
	}

	r.compactions.Add(1)
	go func() {
		defer r.compactions.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := r.compact(cctx, chat); err != nil {
			r.logger.Error("router: compaction failed", "chat", chat.ChatID, "error", err)
		}
	}()
}

func (r *Router) compact(ctx context.Context, chat storage.Chat) error {
	history, err := r.store.RecentMessages(ctx, chat.ID, r.settings.HistoryMaxMessages,
		storage.MessageRoleUser, storage.MessageRoleAssistant)
	if err != nil {
		return err
	}
	var messages []agent.Message
	for _, m := range history {
		role := agent.RoleUser
		if m.Role == storage.MessageRoleAssistant {
			role = agent.RoleAssistant
		}
		messages = append(messages, agent.Message{Role: role, Content: m.Content})
	}

	summary, err := r.runtime.Summarize(ctx, messages)
	if err != nil {
		return err
	}

	state, err := r.store.GetConversationState(ctx, chat.ID)
	if err != nil {
		return err
	}
	state.Summary = summary
	state.LastCompactAt = time.Now()
	if err := r.store.PutConversationState(ctx, state); err != nil {
		return err
	}

	pruned, err := r.store.PruneMessages(ctx, chat.ID, r.settings.HistoryMaxMessages)
	if err != nil {
		return err
	}
	r.logger.Info("router: compacted chat", "chat", chat.ChatID, "pruned", pruned)
	return nil
}
