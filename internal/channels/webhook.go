package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
)

// webhookName is the channel name.
const webhookName = "webhook"

// tokenHeader is the alternative auth header to Authorization: Bearer.
const tokenHeader = "x-coreclaw-token"

// Webhook is the HTTP channel: POST <path> publishes inbound, GET
// <path>/outbound drains the per-chat outbox.
type Webhook struct {
	bus    *bus.Bus
	cfg    config.WebhookConfig
	logger *slog.Logger

	outbox *outbox
	server *http.Server
	wg     sync.WaitGroup
}

// NewWebhook creates the webhook channel.
func NewWebhook(b *bus.Bus, cfg config.WebhookConfig, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		bus:    b,
		cfg:    cfg,
		logger: logger,
		outbox: newOutbox(cfg.OutboxMaxPerChat, cfg.OutboxMaxChats,
			time.Duration(cfg.OutboxChatTtlMs)*time.Millisecond),
	}
}

// Name implements Channel.
func (w *Webhook) Name() string {
	return webhookName
}

// Send implements Channel by buffering the reply in the outbox until the
// caller drains it.
func (w *Webhook) Send(_ context.Context, env bus.Envelope) error {
	w.outbox.push(env)
	return nil
}

// Start binds the listener.
func (w *Webhook) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleInbound)
	mux.HandleFunc(w.cfg.Path+"/outbound", w.handleOutbound)

	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	w.server = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", addr, err)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("webhook server", "error", err)
		}
	}()
	w.logger.Info("webhook channel listening", "addr", addr, "path", w.cfg.Path)
	return nil
}

// Stop shuts the listener down. Idempotent.
func (w *Webhook) Stop() {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(ctx)
		w.server = nil
	}
	w.wg.Wait()
}

func (w *Webhook) authorized(r *http.Request) bool {
	if w.cfg.AuthToken == "" {
		return true
	}
	presented := r.Header.Get(tokenHeader)
	if presented == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(w.cfg.AuthToken)) == 1
}

type inboundBody struct {
	ChatID    string         `json:"chatId"`
	Content   string         `json:"content"`
	SenderID  string         `json:"senderId"`
	ID        string         `json:"id"`
	CreatedAt *time.Time     `json:"createdAt"`
	Metadata  map[string]any `json:"metadata"`
}

func (w *Webhook) handleInbound(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != w.cfg.Path {
		http.NotFound(rw, r)
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(rw, http.StatusBadRequest, "expected POST")
		return
	}
	if !w.authorized(r) {
		writeJSONError(rw, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	r.Body = http.MaxBytesReader(rw, r.Body, w.cfg.MaxBodyBytes)
	var body inboundBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(rw, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeJSONError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.ChatID) == "" || strings.TrimSpace(body.Content) == "" {
		writeJSONError(rw, http.StatusBadRequest, "chatId and content are required")
		return
	}

	env := bus.Envelope{
		ID:       body.ID,
		Channel:  webhookName,
		ChatID:   body.ChatID,
		SenderID: body.SenderID,
		Content:  body.Content,
		Metadata: body.Metadata,
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if body.CreatedAt != nil {
		env.CreatedAt = *body.CreatedAt
	}

	published, err := w.bus.PublishInbound(r.Context(), env)
	if err != nil {
		writeJSONError(rw, http.StatusInternalServerError, "publish failed")
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "id": published.ID})
}

func (w *Webhook) handleOutbound(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(rw, http.StatusBadRequest, "expected GET")
		return
	}
	if !w.authorized(r) {
		writeJSONError(rw, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		writeJSONError(rw, http.StatusBadRequest, "chatId is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	drained := w.outbox.drain(chatID, limit)
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "messages": drained})
}

func writeJSONError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": msg})
}

// outbox buffers outbound envelopes per chat until drained. TTL-pruned and
// size-bounded on every mutation.
type outbox struct {
	mu         sync.Mutex
	perChat    map[string][]outboxEntry
	maxPerChat int
	maxChats   int
	ttl        time.Duration
}

type outboxEntry struct {
	Envelope bus.Envelope `json:"envelope"`
	At       time.Time    `json:"at"`
}

func newOutbox(maxPerChat, maxChats int, ttl time.Duration) *outbox {
	if maxPerChat <= 0 {
		maxPerChat = 100
	}
	if maxChats <= 0 {
		maxChats = 1000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &outbox{
		perChat:    make(map[string][]outboxEntry),
		maxPerChat: maxPerChat,
		maxChats:   maxChats,
		ttl:        ttl,
	}
}

func (o *outbox) push(env bus.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()

	entries := append(o.perChat[env.ChatID], outboxEntry{Envelope: env, At: time.Now()})
	if len(entries) > o.maxPerChat {
		entries = entries[len(entries)-o.maxPerChat:]
	}
	o.perChat[env.ChatID] = entries
}

func (o *outbox) drain(chatID string, limit int) []bus.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()

	entries := o.perChat[chatID]
	if len(entries) == 0 {
		return []bus.Envelope{}
	}
	n := limit
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]bus.Envelope, 0, n)
	for _, e := range entries[:n] {
		out = append(out, e.Envelope)
	}
	rest := entries[n:]
	if len(rest) == 0 {
		delete(o.perChat, chatID)
	} else {
		o.perChat[chatID] = rest
	}
	return out
}

// pruneLocked drops expired entries and evicts the oldest chats past the
// chat cap.
func (o *outbox) pruneLocked() {
	cutoff := time.Now().Add(-o.ttl)
	for chatID, entries := range o.perChat {
		kept := entries[:0]
		for _, e := range entries {
			if e.At.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(o.perChat, chatID)
		} else {
			o.perChat[chatID] = kept
		}
	}
	for len(o.perChat) > o.maxChats {
		oldestChat := ""
		oldestAt := time.Now()
		for chatID, entries := range o.perChat {
			if len(entries) > 0 && entries[0].At.Before(oldestAt) {
				oldestAt = entries[0].At
				oldestChat = chatID
			}
		}
		if oldestChat == "" {
			return
		}
		delete(o.perChat, oldestChat)
	}
}
