package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/isolated"
	"github.com/coreclaw/coreclaw/internal/policy"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

type harness struct {
	registry *Registry
	store    *storage.Store
	tc       *Context
	cfg      config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.WorkspaceDir = filepath.Join(dir, "workspace")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Isolation.Enabled = false // run tool payloads in-process for tests
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
	recorder, err := audit.NewRecorder(store, cfg.DataDir, slog.Default())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { recorder.Close() })

	b := bus.New(store, config.BusConfig{
		PollMs: 10, BatchSize: 10, MaxAttempts: 3,
		RetryBackoffMs: 1, MaxRetryBackoffMs: 10,
		ProcessingTimeoutMs: 5_000,
		MaxPendingInbound:   100, MaxPendingOutbound: 100,
	}, slog.Default())

	registry := NewRegistry(policy.NewEngine(cfg), recorder, cfg.MaxToolOutputChars, nil, slog.Default())
	RegisterBuiltins(registry, isolated.NewRuntime(cfg.Isolation, nil, slog.Default()), cfg)

	chat, err := store.GetOrCreateChat(context.Background(), "cli", "local")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	return &harness{
		registry: registry,
		store:    store,
		cfg:      cfg,
		tc: &Context{
			Chat:       chat,
			Store:      store,
			Bus:        b,
			DeadLetter: b,
			Workspace:  ws,
			Skills:     idx,
			Bootstrap:  policy.NewBootstrap(store, cfg),
		},
	}
}

func (h *harness) asAdmin(t *testing.T) {
	t.Helper()
	if err := h.store.SetChatRole(context.Background(), h.tc.Chat.ID, storage.RoleAdmin); err != nil {
		t.Fatalf("elevate: %v", err)
	}
	h.tc.Chat.Role = storage.RoleAdmin
}

func TestExecuteUnknownTool(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.registry.Execute(context.Background(), "no.such.tool", "{}", h.tc)
	if err == nil {
		t.Fatal("unknown tool accepted")
	}
	var bad *ErrBadArgs
	if !errors.As(err, &bad) {
		t.Errorf("error type = %T", err)
	}
}

func TestExecuteSchemaValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Missing required "content".
	_, err := h.registry.Execute(ctx, "message.send", `{}`, h.tc)
	if err == nil {
		t.Fatal("schema violation accepted")
	}
	var bad *ErrBadArgs
	if !errors.As(err, &bad) {
		t.Errorf("error type = %T, want ErrBadArgs", err)
	}

	// Wrong type.
	_, err = h.registry.Execute(ctx, "message.send", `{"content": 42}`, h.tc)
	if err == nil {
		t.Error("type violation accepted")
	}

	// Not JSON at all.
	_, err = h.registry.Execute(ctx, "message.send", `{{{{`, h.tc)
	if err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestExecutePolicyDenialAudited(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.registry.Execute(ctx, "shell.exec", `{"command":"echo hi"}`, h.tc)
	if err == nil {
		t.Fatal("shell.exec allowed for normal chat")
	}
	var denied *policy.ErrDenied
	if !errors.As(err, &denied) {
		t.Errorf("error type = %T, want policy.ErrDenied", err)
	}

	events, err := h.store.ListAuditEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.ToolName == "shell.exec" && ev.Outcome == storage.AuditDenied {
			found = true
		}
	}
	if !found {
		t.Error("denial not audited")
	}
}

func TestExecuteRedactsSensitiveArgs(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AdminBootstrapKey = "super-secret-value"
	})
	ctx := context.Background()

	// A failing bootstrap still audits the call; the key must not appear.
	_, _ = h.registry.Execute(ctx, "chat.register",
		`{"role":"admin","bootstrapKey":"super-secret-value"}`, h.tc)

	events, err := h.store.ListAuditEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no audit events recorded")
	}
	for _, ev := range events {
		if strings.Contains(ev.ArgsJSON, "super-secret-value") {
			t.Errorf("audit args leaked the bootstrap key: %s", ev.ArgsJSON)
		}
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	h := newHarness(t, nil)
	r := NewRegistry(policy.NewEngine(h.cfg), nil, 32, nil, slog.Default())
	r.Register("echo.big", "returns a big string", nil,
		func(ctx context.Context, tc *Context, _ json.RawMessage) (string, error) {
			return strings.Repeat("x", 100), nil
		})

	out, err := r.Execute(context.Background(), "echo.big", "{}", h.tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasSuffix(out, "\n...truncated") {
		t.Errorf("output %q does not end with the truncation marker", out)
	}
	if len(out) != 32+len("\n...truncated") {
		t.Errorf("output length = %d", len(out))
	}
}

func TestMemoryTools(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.registry.Execute(ctx, "memory.write",
		`{"scope":"chat","content":"remember the port is 8787"}`, h.tc); err != nil {
		t.Fatalf("memory.write: %v", err)
	}
	out, err := h.registry.Execute(ctx, "memory.read", `{"scope":"chat"}`, h.tc)
	if err != nil {
		t.Fatalf("memory.read: %v", err)
	}
	if !strings.Contains(out, "8787") {
		t.Errorf("memory.read = %q", out)
	}

	// Global scope requires admin.
	if _, err := h.registry.Execute(ctx, "memory.write",
		`{"scope":"global","content":"x"}`, h.tc); err == nil {
		t.Error("global memory write allowed for normal chat")
	}
	h.asAdmin(t)
	if _, err := h.registry.Execute(ctx, "memory.write",
		`{"scope":"global","content":"shared fact"}`, h.tc); err != nil {
		t.Fatalf("admin global write: %v", err)
	}
}

func TestSkillsTools(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Install a skill on disk and reload.
	skillDir := filepath.Join(h.tc.Workspace.Root(), "skills", "research")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	skillMD := "---\nname: research\ndescription: web research workflow\n---\nDo research.\n"
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(skillMD), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	if err := h.tc.Skills.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	out, err := h.registry.Execute(ctx, "skills.enable", `{"name":"research"}`, h.tc)
	if err != nil {
		t.Fatalf("skills.enable: %v", err)
	}
	if !strings.Contains(out, "enabled") {
		t.Errorf("enable output = %q", out)
	}
	state, _ := h.store.GetConversationState(ctx, h.tc.Chat.ID)
	if len(state.EnabledSkills) != 1 || state.EnabledSkills[0] != "research" {
		t.Errorf("enabled skills = %v", state.EnabledSkills)
	}

	listOut, err := h.registry.Execute(ctx, "skills.list", `{}`, h.tc)
	if err != nil {
		t.Fatalf("skills.list: %v", err)
	}
	if !strings.Contains(listOut, "research") {
		t.Errorf("list output = %q", listOut)
	}

	if _, err := h.registry.Execute(ctx, "skills.disable", `{"name":"research"}`, h.tc); err != nil {
		t.Fatalf("skills.disable: %v", err)
	}
	state, _ = h.store.GetConversationState(ctx, h.tc.Chat.ID)
	if len(state.EnabledSkills) != 0 {
		t.Errorf("skills not disabled: %v", state.EnabledSkills)
	}

	if _, err := h.registry.Execute(ctx, "skills.enable", `{"name":"missing"}`, h.tc); err == nil {
		t.Error("unknown skill enabled")
	}
}

func TestMessageSendPublishesOutbound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.registry.Execute(ctx, "message.send", `{"content":"hello"}`, h.tc); err != nil {
		t.Fatalf("message.send: %v", err)
	}
	counts, _ := h.store.CountQueue(ctx, storage.DirectionOutbound)
	if counts.Pending != 1 {
		t.Errorf("outbound pending = %d, want 1", counts.Pending)
	}

	// Cross-chat requires admin.
	if _, err := h.registry.Execute(ctx, "message.send",
		`{"chatId":"other","content":"hi"}`, h.tc); err == nil {
		t.Error("cross-chat send allowed")
	}
}

func TestTaskTools(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	out, err := h.registry.Execute(ctx, "task.create",
		`{"prompt":"daily report","scheduleType":"interval","scheduleValue":"60000"}`, h.tc)
	if err != nil {
		t.Fatalf("task.create: %v", err)
	}
	if !strings.Contains(out, "task 1 created") {
		t.Errorf("create output = %q", out)
	}

	if _, err := h.registry.Execute(ctx, "task.pause", `{"taskId":1}`, h.tc); err != nil {
		t.Fatalf("task.pause: %v", err)
	}
	task, _ := h.store.GetTask(ctx, 1)
	if task.Status != storage.TaskStatusPaused {
		t.Errorf("status = %q, want paused", task.Status)
	}

	if _, err := h.registry.Execute(ctx, "task.resume", `{"taskId":1}`, h.tc); err != nil {
		t.Fatalf("task.resume: %v", err)
	}
	if _, err := h.registry.Execute(ctx, "task.delete", `{"taskId":1}`, h.tc); err != nil {
		t.Fatalf("task.delete: %v", err)
	}
	tasks, _ := h.store.ListTasks(ctx, h.tc.Chat.ID)
	if len(tasks) != 0 {
		t.Errorf("tasks after delete = %v", tasks)
	}

	// Bad schedule is a BadArgs error.
	if _, err := h.registry.Execute(ctx, "task.create",
		`{"prompt":"x","scheduleType":"cron","scheduleValue":"not a cron"}`, h.tc); err == nil {
		t.Error("bad cron accepted")
	}
}

func TestReplayDeadLetterToolRequiresAdmin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.registry.Execute(ctx, "bus.replay_dead_letter", `{}`, h.tc); err == nil {
		t.Error("replay allowed for normal chat")
	}
	h.asAdmin(t)
	out, err := h.registry.Execute(ctx, "bus.replay_dead_letter", `{"direction":"inbound"}`, h.tc)
	if err != nil {
		t.Fatalf("replay as admin: %v", err)
	}
	if !strings.Contains(out, "replayed 0") {
		t.Errorf("output = %q", out)
	}
}

func TestChatRegisterBootstrap(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AdminBootstrapKey = "k3y"
	})
	ctx := context.Background()

	// Wrong key fails.
	if _, err := h.registry.Execute(ctx, "chat.register",
		`{"role":"admin","bootstrapKey":"wrong"}`, h.tc); err == nil {
		t.Error("wrong bootstrap key accepted")
	}

	out, err := h.registry.Execute(ctx, "chat.register",
		`{"role":"admin","bootstrapKey":"k3y"}`, h.tc)
	if err != nil {
		t.Fatalf("chat.register: %v", err)
	}
	if !strings.Contains(out, "admin") {
		t.Errorf("output = %q", out)
	}
	chat, _ := h.store.GetChatByID(ctx, h.tc.Chat.ID)
	if !chat.IsAdmin() || !chat.Registered {
		t.Errorf("chat after bootstrap = %+v", chat)
	}
}

func TestFsWriteToolInWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.registry.Execute(ctx, "fs.write",
		`{"path":"notes/x.txt","content":"data"}`, h.tc); err != nil {
		t.Fatalf("fs.write: %v", err)
	}
	got, err := h.tc.Workspace.Read("notes/x.txt")
	if err != nil || got != "data" {
		t.Errorf("written = %q, %v", got, err)
	}

	// Protected files need admin.
	if _, err := h.registry.Execute(ctx, "fs.write",
		`{"path":"IDENTITY.md","content":"evil"}`, h.tc); err == nil {
		t.Error("IDENTITY.md write allowed for normal chat")
	}

	// Escapes fail with the workspace error.
	_, err = h.registry.Execute(ctx, "fs.write",
		`{"path":"../outside.txt","content":"x"}`, h.tc)
	if err == nil || !strings.Contains(err.Error(), "outside workspace") {
		t.Errorf("escape error = %v", err)
	}
}

func TestDefinitionsSortedWithSchemas(t *testing.T) {
	h := newHarness(t, nil)
	defs := h.registry.Definitions()
	if len(defs) == 0 {
		t.Fatal("no definitions")
	}
	for i := 1; i < len(defs); i++ {
		if defs[i].Name <= defs[i-1].Name {
			t.Errorf("definitions not sorted at %d: %s <= %s", i, defs[i].Name, defs[i-1].Name)
		}
	}
	for _, d := range defs {
		if len(d.Parameters) == 0 {
			t.Errorf("tool %s has no schema", d.Name)
		}
	}
}
