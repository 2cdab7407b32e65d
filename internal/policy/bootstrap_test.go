package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

func bootstrapDeps(t *testing.T, cfg config.Config) (*Bootstrap, *storage.Store, storage.Chat) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	chat, err := store.GetOrCreateChat(context.Background(), "cli", "local")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return NewBootstrap(store, cfg), store, chat
}

func TestBootstrapSuccessElevatesAndBurns(t *testing.T) {
	cfg := config.Default()
	cfg.AdminBootstrapKey = "s3cret"
	cfg.AdminBootstrapSingleUse = true
	b, store, chat := bootstrapDeps(t, cfg)
	ctx := context.Background()

	if err := b.Attempt(ctx, chat, "s3cret"); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	elevated, _ := store.GetChatByID(ctx, chat.ID)
	if !elevated.IsAdmin() {
		t.Error("chat not elevated")
	}

	// Single use: the protocol is permanently closed.
	other, _ := store.GetOrCreateChat(ctx, "cli", "other")
	err := b.Attempt(ctx, other, "s3cret")
	if err == nil {
		t.Fatal("bootstrap reusable despite singleUse")
	}
}

func TestBootstrapRejectsWhenAdminExists(t *testing.T) {
	cfg := config.Default()
	cfg.AdminBootstrapKey = "s3cret"
	cfg.AdminBootstrapSingleUse = false
	b, store, chat := bootstrapDeps(t, cfg)
	ctx := context.Background()

	existing, _ := store.GetOrCreateChat(ctx, "cli", "first-admin")
	if err := store.SetChatRole(ctx, existing.ID, storage.RoleAdmin); err != nil {
		t.Fatalf("SetChatRole: %v", err)
	}
	if err := b.Attempt(ctx, chat, "s3cret"); err == nil {
		t.Error("bootstrap allowed with an existing admin")
	}
}

func TestBootstrapRequiresConfiguredKey(t *testing.T) {
	b, _, chat := bootstrapDeps(t, config.Default())
	if err := b.Attempt(context.Background(), chat, "anything"); err == nil {
		t.Error("bootstrap allowed without a configured key")
	}
}

func TestBootstrapLockoutAfterMaxAttempts(t *testing.T) {
	cfg := config.Default()
	cfg.AdminBootstrapKey = "s3cret"
	cfg.AdminBootstrapMaxAttempts = 3
	cfg.AdminBootstrapLockoutMinutes = 15
	b, store, chat := bootstrapDeps(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Attempt(ctx, chat, "wrong"); err == nil {
			t.Fatalf("attempt %d with wrong key succeeded", i)
		}
	}

	// Locked out now, even with the right key.
	err := b.Attempt(ctx, chat, "s3cret")
	if err == nil {
		t.Fatal("locked-out bootstrap succeeded")
	}

	// After the lockout elapses, the correct key works.
	b.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	if err := b.Attempt(ctx, chat, "s3cret"); err != nil {
		t.Fatalf("post-lockout attempt: %v", err)
	}
	elevated, _ := store.GetChatByID(ctx, chat.ID)
	if !elevated.IsAdmin() {
		t.Error("chat not elevated after lockout expiry")
	}
}
