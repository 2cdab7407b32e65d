// Package heartbeat emits periodic synthetic inbound wakes per chat, with
// debounced external triggers, active-hours gating, busy-skip deferral, and
// ack/duplicate suppression of the resulting outbound.
package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// SenderID marks synthetic envelopes emitted by the heartbeat source.
const SenderID = "heartbeat"

// DefaultPrompt is used when the configured prompt file is absent or empty.
const DefaultPrompt = "Heartbeat: review pending work and respond if anything needs attention."

// lastSentKey is the MetaKV key prefix for the per-chat dedupe window.
const lastSentKey = "heartbeat.lastSent."

// Config holds the heartbeat dependencies.
type Config struct {
	Store        *storage.Store
	Bus          *bus.Bus
	Logger       *slog.Logger
	WorkspaceDir string
	Settings     config.HeartbeatConfig
}

// Source is the per-process heartbeat emitter. Wake events are coalesced per
// chat within the debounce window; only the latest wins.
type Source struct {
	store        *storage.Store
	bus          *bus.Bus
	logger       *slog.Logger
	workspaceDir string
	settings     config.HeartbeatConfig

	mu     sync.Mutex
	timers map[int64]*time.Timer // per-chat debounce timers

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swappable in tests.
	now func() time.Time
}

// New creates a heartbeat Source.
func New(cfg Config) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger,
		workspaceDir: cfg.WorkspaceDir,
		settings:     cfg.Settings,
		timers:       make(map[int64]*time.Timer),
		now:          time.Now,
	}
}

// Start launches the interval tick when heartbeats are enabled.
func (s *Source) Start(ctx context.Context) {
	if !s.settings.Enabled {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("heartbeat started", "interval_ms", s.settings.IntervalMs)
}

// Stop cancels the tick loop and all pending debounce timers. Idempotent.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Lock()
	for chatFk, t := range s.timers {
		t.Stop()
		delete(s.timers, chatFk)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Source) loop(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.settings.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick wakes registered chats, capped by maxDispatchPerRun.
func (s *Source) tick(ctx context.Context) {
	chats, err := s.store.ListChats(ctx)
	if err != nil {
		s.logger.Error("heartbeat: list chats", "error", err)
		return
	}
	dispatched := 0
	for _, chat := range chats {
		if !chat.Registered {
			continue
		}
		if s.settings.MaxDispatchPerRun > 0 && dispatched >= s.settings.MaxDispatchPerRun {
			break
		}
		s.Wake(ctx, chat)
		dispatched++
	}
}

// Wake schedules a debounced wake for the chat. Repeated wakes inside the
// debounce window coalesce; only the latest emission survives.
func (s *Source) Wake(ctx context.Context, chat storage.Chat) {
	if !s.settings.Enabled {
		return
	}
	debounce := time.Duration(s.settings.WakeDebounceMs) * time.Millisecond
	if debounce <= 0 {
		s.emit(ctx, chat)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[chat.ID]; ok {
		t.Stop()
	}
	s.timers[chat.ID] = time.AfterFunc(debounce, func() {
		s.mu.Lock()
		delete(s.timers, chat.ID)
		s.mu.Unlock()
		s.emit(ctx, chat)
	})
}

// emit publishes one heartbeat envelope, honoring active hours and the
// busy-skip deferral.
func (s *Source) emit(ctx context.Context, chat storage.Chat) {
	if ctx.Err() != nil {
		return
	}
	if !s.withinActiveHours(s.now()) {
		s.logger.Debug("heartbeat: outside active hours", "chat", chat.ChatID)
		return
	}
	if s.settings.SkipWhenInboundBusy {
		busy, err := s.store.CountInboundInFlight(ctx, chat.Channel, chat.ChatID)
		if err != nil {
			s.logger.Error("heartbeat: busy check", "chat", chat.ChatID, "error", err)
			return
		}
		if busy > 0 {
			retry := time.Duration(s.settings.WakeRetryMs) * time.Millisecond
			if retry <= 0 {
				retry = 5 * time.Second
			}
			s.logger.Debug("heartbeat: chat busy, deferring", "chat", chat.ChatID, "retry", retry)
			time.AfterFunc(retry, func() { s.emit(ctx, chat) })
			return
		}
	}

	env := bus.Envelope{
		ID:        uuid.NewString(),
		Channel:   chat.Channel,
		ChatID:    chat.ChatID,
		SenderID:  SenderID,
		Content:   s.prompt(),
		CreatedAt: s.now(),
		Metadata:  map[string]any{bus.MetaIsHeartbeat: true},
	}
	if _, err := s.bus.PublishInbound(ctx, env); err != nil {
		s.logger.Error("heartbeat: publish wake", "chat", chat.ChatID, "error", err)
		return
	}
	s.logger.Info("heartbeat: wake emitted", "chat", chat.ChatID, "id", env.ID)
}

// prompt loads the configured prompt file from the workspace, falling back
// to the built-in prompt.
func (s *Source) prompt() string {
	path := s.settings.PromptPath
	if path == "" {
		path = "HEARTBEAT.md"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.workspaceDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPrompt
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return DefaultPrompt
	}
	return content
}

// withinActiveHours applies the "HH:mm-HH:mm" gate in local process time.
// An empty spec means always active. A window whose start is after its end
// wraps past midnight.
func (s *Source) withinActiveHours(now time.Time) bool {
	spec := strings.TrimSpace(s.settings.ActiveHours)
	if spec == "" {
		return true
	}
	startMin, endMin, err := config.ParseActiveHours(spec)
	if err != nil {
		s.logger.Warn("heartbeat: bad activeHours, treating as always", "spec", spec, "error", err)
		return true
	}
	nowMin := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	return nowMin >= startMin || nowMin < endMin
}

type lastSent struct {
	Hash string `json:"hash"`
	At   int64  `json:"at"`
}

// ShouldSuppressOutbound decides whether a heartbeat reply is dropped
// instead of published: ack-token suppression and the recent-duplicate
// window.
func (s *Source) ShouldSuppressOutbound(ctx context.Context, chatFk int64, content string) (bool, string, error) {
	trimmed := strings.TrimSpace(content)
	if s.settings.SuppressAck && s.settings.AckToken != "" && trimmed == s.settings.AckToken {
		return true, "ack token", nil
	}
	window := time.Duration(s.settings.DedupeWindowMs) * time.Millisecond
	if window <= 0 {
		return false, "", nil
	}
	raw, err := s.store.GetMeta(ctx, metaKey(chatFk))
	if err != nil {
		return false, "", err
	}
	if raw == "" {
		return false, "", nil
	}
	var prev lastSent
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		return false, "", nil
	}
	if prev.Hash == contentHash(trimmed) && s.now().Sub(time.UnixMilli(prev.At)) < window {
		return true, "duplicate within dedupe window", nil
	}
	return false, "", nil
}

// RecordOutbound notes the content just sent to a chat for the dedupe window.
func (s *Source) RecordOutbound(ctx context.Context, chatFk int64, content string) error {
	entry, err := json.Marshal(lastSent{
		Hash: contentHash(strings.TrimSpace(content)),
		At:   s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal last sent: %w", err)
	}
	return s.store.SetMeta(ctx, metaKey(chatFk), string(entry))
}

func metaKey(chatFk int64) string {
	return fmt.Sprintf("%s%d", lastSentKey, chatFk)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
