package prompt

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

func testBuilder(t *testing.T, mutate func(*config.Config)) (*Builder, *storage.Store, *workspace.Workspace) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.WorkspaceDir = filepath.Join(dir, "workspace")
	cfg.HistoryMaxMessages = 10
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := storage.Open(filepath.Join(dir, "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ws, err := workspace.New(cfg.WorkspaceDir)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	idx, err := skills.NewIndex(filepath.Join(ws.Root(), "skills"))
	if err != nil {
		t.Fatalf("skills: %v", err)
	}
	return NewBuilder(store, ws, idx, cfg), store, ws
}

func TestDeriveRunMode(t *testing.T) {
	plain := bus.Envelope{ID: "1"}
	if m := DeriveRunMode(plain); m.Kind != KindChat || m.ContextMode != storage.ContextModeGroup {
		t.Errorf("plain mode = %+v", m)
	}

	hb := bus.Envelope{Metadata: map[string]any{bus.MetaIsHeartbeat: true}}
	if m := DeriveRunMode(hb); m.Kind != KindHeartbeat {
		t.Errorf("heartbeat mode = %+v", m)
	}

	sched := bus.Envelope{Metadata: map[string]any{
		bus.MetaIsScheduledTask: true, bus.MetaContextMode: "isolated"}}
	m := DeriveRunMode(sched)
	if m.Kind != KindScheduled || m.ContextMode != storage.ContextModeIsolated {
		t.Errorf("scheduled mode = %+v", m)
	}
	if m.IncludeChatContext() {
		t.Error("isolated scheduled run included chat context")
	}

	schedGroup := bus.Envelope{Metadata: map[string]any{bus.MetaIsScheduledTask: true}}
	if !DeriveRunMode(schedGroup).IncludeChatContext() {
		t.Error("group scheduled run excluded chat context")
	}
}

func TestSystemPromptSectionOrder(t *testing.T) {
	b, store, ws := testBuilder(t, nil)
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "cli", "local")

	mustWrite := func(path, content string) {
		t.Helper()
		if err := ws.Write(path, content); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	mustWrite("IDENTITY.md", "IDENTITY-SECTION")
	mustWrite("TOOLS.md", "TOOLS-SECTION")
	mustWrite("USER.md", "USER-SECTION")
	mustWrite("memory/GLOBAL.md", "GLOBAL-MEM")
	mustWrite(ws.ChatMemoryPath("cli", "local"), "CHAT-MEM")

	state, _ := store.GetConversationState(ctx, chat.ID)
	state.ChatFk = chat.ID
	state.Summary = "SUMMARY-SECTION"
	if err := store.PutConversationState(ctx, state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	msgs, err := b.Build(ctx, chat, bus.Envelope{ID: "e", Content: "hi"}, RunMode{Kind: KindChat, ContextMode: storage.ContextModeGroup})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if msgs[0].Role != agent.RoleSystem {
		t.Fatalf("first message role = %q", msgs[0].Role)
	}
	system := msgs[0].Content

	order := []string{"IDENTITY-SECTION", "TOOLS-SECTION", "USER-SECTION", "GLOBAL-MEM", "CHAT-MEM", "SUMMARY-SECTION"}
	last := -1
	for _, section := range order {
		idx := strings.Index(system, section)
		if idx < 0 {
			t.Errorf("section %q missing from system prompt", section)
			continue
		}
		if idx < last {
			t.Errorf("section %q out of order", section)
		}
		last = idx
	}
	if !strings.Contains(system, "\n\n") {
		t.Error("sections not joined by blank lines")
	}

	// Isolated mode omits chat-scoped sections.
	msgs, err = b.Build(ctx, chat, bus.Envelope{ID: "e2", Content: "hi",
		Metadata: map[string]any{bus.MetaIsScheduledTask: true, bus.MetaContextMode: "isolated"}},
		RunMode{Kind: KindScheduled, ContextMode: storage.ContextModeIsolated})
	if err != nil {
		t.Fatalf("Build isolated: %v", err)
	}
	system = msgs[0].Content
	if strings.Contains(system, "CHAT-MEM") || strings.Contains(system, "SUMMARY-SECTION") {
		t.Error("isolated run leaked chat context")
	}
}

func TestScheduledPrefixAndHistory(t *testing.T) {
	b, store, _ := testBuilder(t, nil)
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "cli", "local")

	for i := 0; i < 3; i++ {
		if _, err := store.InsertMessage(ctx, chat.ID, storage.MessageRoleUser, "u", "question"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if _, err := store.InsertMessage(ctx, chat.ID, storage.MessageRoleAssistant, "", "answer"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// Tool and empty messages never enter history.
	if _, err := store.InsertMessage(ctx, chat.ID, storage.MessageRoleTool, "", "tool noise"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertMessage(ctx, chat.ID, storage.MessageRoleAssistant, "", ""); err != nil {
		t.Fatalf("insert: %v", err)
	}

	env := bus.Envelope{ID: "s", Content: "do the thing",
		Metadata: map[string]any{bus.MetaIsScheduledTask: true}}
	msgs, err := b.Build(ctx, chat, env, DeriveRunMode(env))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	last := msgs[len(msgs)-1]
	if last.Content != ScheduledPrefix+"do the thing" {
		t.Errorf("scheduled user message = %q", last.Content)
	}

	var history int
	for _, m := range msgs[:len(msgs)-1] {
		if m.Role == agent.RoleUser || m.Role == agent.RoleAssistant {
			if strings.Contains(m.Content, "tool noise") {
				t.Error("tool message leaked into history")
			}
			if m.Content == "" {
				t.Error("empty message leaked into history")
			}
			history++
		}
	}
	if history != 6 {
		t.Errorf("history messages = %d, want 6", history)
	}
}

func TestCountTokensCJK(t *testing.T) {
	// Four ASCII chars = 1 token.
	if got := CountTokens("abcd"); got != 1 {
		t.Errorf("ascii tokens = %v, want 1", got)
	}
	// CJK chars cost a full token each.
	if got := CountTokens("日本語"); got != 3 {
		t.Errorf("cjk tokens = %v, want 3", got)
	}
	if got := CountTokens("한글"); got != 2 {
		t.Errorf("hangul tokens = %v, want 2", got)
	}
	if got := CountTokens("カタカナ"); got != 4 {
		t.Errorf("katakana tokens = %v, want 4", got)
	}
	mixed := CountTokens("ab日")
	if math.Abs(mixed-1.5) > 1e-9 {
		t.Errorf("mixed tokens = %v, want 1.5", mixed)
	}
}

func TestTruncateToTokens(t *testing.T) {
	if got := TruncateToTokens("abcdefgh", 1); got != "abcd" {
		t.Errorf("TruncateToTokens ascii = %q", got)
	}
	if got := TruncateToTokens("日本語です", 2); got != "日本" {
		t.Errorf("TruncateToTokens cjk = %q", got)
	}
	if got := TruncateToTokens("short", 100); got != "short" {
		t.Errorf("no-op truncation = %q", got)
	}
}

func TestBudgetDropsOldestThenTruncatesSystem(t *testing.T) {
	b, store, ws := testBuilder(t, func(cfg *config.Config) {
		// Budget = max(256, 300-0) = 300 tokens.
		cfg.Provider.MaxInputTokens = 300
		cfg.Provider.ReserveOutputTokens = 0
		cfg.HistoryMaxMessages = 50
	})
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "cli", "local")

	// A system prompt well over budget on its own.
	if err := ws.Write("IDENTITY.md", strings.Repeat("ident ", 400)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Plenty of history to shed.
	for i := 0; i < 20; i++ {
		if _, err := store.InsertMessage(ctx, chat.ID, storage.MessageRoleUser, "u", strings.Repeat("hello ", 20)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	env := bus.Envelope{ID: "b", Content: "final question"}
	msgs, err := b.Build(ctx, chat, env, DeriveRunMode(env))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	system := msgs[0]
	if system.Role != agent.RoleSystem {
		t.Fatalf("first message role = %q", system.Role)
	}
	if !strings.HasSuffix(system.Content, "[truncated by token budget]") {
		t.Error("system prompt not marked truncated")
	}

	// Only the tail user message survives alongside the system prompt.
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2 (system + tail)", len(msgs))
	}
	if !strings.Contains(msgs[len(msgs)-1].Content, "final question") {
		t.Errorf("tail = %q", msgs[len(msgs)-1].Content)
	}
}

func TestSkillsInPrompt(t *testing.T) {
	b, store, ws := testBuilder(t, nil)
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "cli", "local")

	writeSkill := func(name, frontmatter, body string) {
		t.Helper()
		dir := filepath.Join(ws.Root(), "skills", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(frontmatter+body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	writeSkill("always-on", "---\nname: always-on\ndescription: runs every turn\nalways: true\n---\n", "ALWAYS-BODY")
	writeSkill("optional", "---\nname: optional\ndescription: on demand\n---\n", "OPTIONAL-BODY")

	if err := b.skills.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	env := bus.Envelope{ID: "s1", Content: "hi"}
	msgs, _ := b.Build(ctx, chat, env, DeriveRunMode(env))
	system := msgs[0].Content
	if !strings.Contains(system, "- always-on [always]: runs every turn") {
		t.Errorf("skills index missing or malformed:\n%s", system)
	}
	if !strings.Contains(system, "ALWAYS-BODY") {
		t.Error("always-skill body missing")
	}
	if strings.Contains(system, "OPTIONAL-BODY") {
		t.Error("disabled skill body present")
	}

	// Enabling the skill adds its body.
	state, _ := store.GetConversationState(ctx, chat.ID)
	state.ChatFk = chat.ID
	state.EnabledSkills = []string{"optional"}
	if err := store.PutConversationState(ctx, state); err != nil {
		t.Fatalf("put state: %v", err)
	}
	msgs, _ = b.Build(ctx, chat, env, DeriveRunMode(env))
	if !strings.Contains(msgs[0].Content, "OPTIONAL-BODY") {
		t.Error("enabled skill body missing")
	}
}
