// Package bus implements the durable message bus: an at-least-once FIFO
// queue per direction backed by the SQL store, with idempotent publish,
// retry with exponential backoff, dead-lettering, per-chat rate limiting,
// advisory backpressure, and restart recovery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// Metadata keys set on synthetic inbound envelopes.
const (
	MetaIsScheduledTask = "isScheduledTask"
	MetaIsHeartbeat     = "isHeartbeat"
	MetaTaskID          = "taskId"
	MetaContextMode     = "contextMode"
	MetaChatFk          = "chatFk"
)

// Envelope is the durable payload carried on the bus.
type Envelope struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	ChatID    string         `json:"chatId"`
	SenderID  string         `json:"senderId,omitempty"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsHeartbeat reports whether the envelope is a synthetic heartbeat wake.
func (e Envelope) IsHeartbeat() bool {
	v, _ := e.Metadata[MetaIsHeartbeat].(bool)
	return v
}

// IsScheduledTask reports whether the envelope came from the scheduler.
func (e Envelope) IsScheduledTask() bool {
	v, _ := e.Metadata[MetaIsScheduledTask].(bool)
	return v
}

// Handler processes one dequeued envelope. An error (or the expiry of the
// processing deadline) drives the retry/dead-letter policy.
type Handler func(ctx context.Context, env Envelope) error

// Bus is the durable message bus. One dispatch worker runs per direction;
// within a direction dispatch is sequential in created_at order.
type Bus struct {
	store  *storage.Store
	cfg    config.BusConfig
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	// onDeadLetter, when set, records terminal failures to the audit trail.
	onDeadLetter func(ctx context.Context, direction, messageID, reason string)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Bus over the given store.
func New(store *storage.Store, cfg config.BusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// OnDeadLetter installs a hook invoked whenever a record reaches the
// dead_letter state, at publish time or after exhausted retries.
func (b *Bus) OnDeadLetter(hook func(ctx context.Context, direction, messageID, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeadLetter = hook
}

func (b *Bus) notifyDeadLetter(ctx context.Context, direction, messageID, reason string) {
	b.mu.RLock()
	hook := b.onDeadLetter
	b.mu.RUnlock()
	if hook != nil {
		hook(ctx, direction, messageID, reason)
	}
}

// Subscribe registers a handler for one direction. Handlers run in
// registration order for every dequeued record.
func (b *Bus) Subscribe(direction string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[direction] = append(b.handlers[direction], h)
}

// PublishInbound enqueues an inbound envelope. Duplicate ids are silently
// ignored; overflow and rate-limit violations dead-letter the record instead
// of failing the call.
func (b *Bus) PublishInbound(ctx context.Context, env Envelope) (Envelope, error) {
	return b.publish(ctx, storage.DirectionInbound, env, storage.PublishLimits{
		MaxPending:      b.cfg.MaxPendingInbound,
		MaxAttempts:     b.cfg.MaxAttempts,
		RateLimitWindow: time.Duration(b.cfg.PerChatRateLimitWindowMs) * time.Millisecond,
		RateLimitMax:    b.cfg.PerChatRateLimitMax,
	})
}

// PublishOutbound enqueues an outbound envelope.
func (b *Bus) PublishOutbound(ctx context.Context, env Envelope) (Envelope, error) {
	return b.publish(ctx, storage.DirectionOutbound, env, storage.PublishLimits{
		MaxPending:  b.cfg.MaxPendingOutbound,
		MaxAttempts: b.cfg.MaxAttempts,
	})
}

func (b *Bus) publish(ctx context.Context, direction string, env Envelope, limits storage.PublishLimits) (Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	now := time.Now()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("marshal envelope: %w", err)
	}

	out, err := b.store.PublishQueueRecord(ctx, direction, env.ID, env.Channel, env.ChatID, string(payload), limits, now)
	if err != nil {
		return env, fmt.Errorf("publish %s: %w", direction, err)
	}
	switch {
	case out.Duplicate:
		b.logger.Debug("bus: duplicate publish ignored", "direction", direction, "id", env.ID)
	case out.DeadLettered:
		b.logger.Warn("bus: publish dead-lettered", "direction", direction, "id", env.ID, "reason", out.Reason)
		b.notifyDeadLetter(ctx, direction, env.ID, out.Reason)
	}
	return env, nil
}

// Start recovers marooned processing records and launches one dispatch
// worker per direction.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	timeout := b.processingTimeout()
	for _, direction := range []string{storage.DirectionInbound, storage.DirectionOutbound} {
		n, err := b.store.RecoverStaleProcessing(ctx, direction, time.Now().Add(-timeout))
		if err != nil {
			return fmt.Errorf("recover %s: %w", direction, err)
		}
		if n > 0 {
			b.logger.Info("bus: recovered marooned records", "direction", direction, "count", n)
		}
	}

	ctx, b.cancel = context.WithCancel(ctx)
	for _, direction := range []string{storage.DirectionInbound, storage.DirectionOutbound} {
		b.wg.Add(1)
		go b.dispatchLoop(ctx, direction)
	}
	b.logger.Info("bus started", "poll_ms", b.cfg.PollMs, "batch_size", b.cfg.BatchSize)
	return nil
}

// Stop cancels the dispatch workers and waits for in-flight handlers to
// finish. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.started = false
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *Bus) processingTimeout() time.Duration {
	return time.Duration(b.cfg.ProcessingTimeoutMs) * time.Millisecond
}

func (b *Bus) dispatchLoop(ctx context.Context, direction string) {
	defer b.wg.Done()

	poll := time.Duration(b.cfg.PollMs) * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce(ctx, direction)
		}
	}
}

// drainOnce claims and dispatches one batch for the direction.
func (b *Bus) drainOnce(ctx context.Context, direction string) {
	now := time.Now()
	records, err := b.store.ClaimPending(ctx, direction, b.cfg.BatchSize, now)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("bus: claim failed", "direction", direction, "error", err)
		}
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		b.applyBackpressure(ctx, direction)
		b.dispatchRecord(ctx, direction, rec)
	}
}

// applyBackpressure sleeps the advisory overload backoff when the pending
// depth exceeds the threshold. It never drops messages.
func (b *Bus) applyBackpressure(ctx context.Context, direction string) {
	if b.cfg.OverloadPendingThreshold <= 0 || b.cfg.OverloadBackoffMs <= 0 {
		return
	}
	counts, err := b.store.CountQueue(ctx, direction)
	if err != nil || counts.Pending <= b.cfg.OverloadPendingThreshold {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(b.cfg.OverloadBackoffMs) * time.Millisecond):
	}
}

func (b *Bus) dispatchRecord(ctx context.Context, direction string, rec storage.QueueRecord) {
	var env Envelope
	if err := json.Unmarshal([]byte(rec.Payload), &env); err != nil {
		// Unparseable payloads can never succeed; dead-letter immediately.
		b.logger.Error("bus: bad payload", "direction", direction, "queue_id", rec.ID, "error", err)
		if dlErr := b.store.MarkDeadLetter(ctx, rec.ID, fmt.Sprintf("bad payload: %v", err), time.Now()); dlErr != nil {
			b.logger.Error("bus: dead-letter failed", "queue_id", rec.ID, "error", dlErr)
		}
		return
	}

	b.mu.RLock()
	handlers := b.handlers[direction]
	b.mu.RUnlock()

	handlerCtx, cancel := context.WithTimeout(ctx, b.processingTimeout())
	err := b.runHandlers(handlerCtx, handlers, env)
	cancel()

	now := time.Now()
	if err == nil {
		if mpErr := b.store.MarkProcessed(ctx, rec.ID); mpErr != nil {
			b.logger.Error("bus: mark processed failed", "queue_id", rec.ID, "error", mpErr)
		}
		return
	}

	if rec.Attempts+1 < rec.MaxAttempts {
		backoff := retryBackoff(b.cfg, rec.Attempts)
		b.logger.Warn("bus: handler failed, retrying",
			"direction", direction, "queue_id", rec.ID,
			"attempt", rec.Attempts+1, "backoff", backoff, "error", err)
		if rqErr := b.store.RequeueForRetry(ctx, rec.ID, err.Error(), now.Add(backoff)); rqErr != nil {
			b.logger.Error("bus: requeue failed", "queue_id", rec.ID, "error", rqErr)
		}
		return
	}

	b.logger.Error("bus: retries exhausted, dead-lettering",
		"direction", direction, "queue_id", rec.ID, "error", err)
	if dlErr := b.store.MarkDeadLetter(ctx, rec.ID, err.Error(), now); dlErr != nil {
		b.logger.Error("bus: dead-letter failed", "queue_id", rec.ID, "error", dlErr)
	}
	b.notifyDeadLetter(ctx, direction, rec.MessageID, err.Error())
}

// runHandlers invokes every registered handler in order under the shared
// processing deadline.
func (b *Bus) runHandlers(ctx context.Context, handlers []Handler, env Envelope) error {
	for _, h := range handlers {
		done := make(chan error, 1)
		go func(h Handler) {
			done <- h(ctx, env)
		}(h)
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return fmt.Errorf("handler timeout after %s: %w", b.processingTimeout(), ctx.Err())
		}
	}
	return nil
}

// retryBackoff computes min(maxRetryBackoffMs, retryBackoffMs * 2^attempts).
func retryBackoff(cfg config.BusConfig, attempts int) time.Duration {
	base := float64(cfg.RetryBackoffMs)
	max := float64(cfg.MaxRetryBackoffMs)
	backoff := base * math.Pow(2, float64(attempts))
	if backoff > max {
		backoff = max
	}
	return time.Duration(backoff) * time.Millisecond
}

// Counts returns the queue totals for one direction.
func (b *Bus) Counts(ctx context.Context, direction string) (storage.QueueCounts, error) {
	return b.store.CountQueue(ctx, direction)
}

// ListDeadLetterMessages returns dead_letter records (direction empty = both).
func (b *Bus) ListDeadLetterMessages(ctx context.Context, direction string, limit int) ([]storage.QueueRecord, error) {
	return b.store.ListDeadLetter(ctx, direction, limit)
}

// ReplayDeadLetterMessages moves the selected dead_letter records back to
// pending with attempts reset, returning the replayed queue ids.
func (b *Bus) ReplayDeadLetterMessages(ctx context.Context, queueID int64, direction string, limit int) ([]int64, error) {
	return b.store.ReplayDeadLetter(ctx, queueID, direction, limit, time.Now())
}
