package policy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// MetaKV keys used by the admin bootstrap protocol.
const (
	metaBootstrapUsed     = "adminBootstrap.used"
	metaBootstrapFailures = "adminBootstrap.failedAttempts"
	metaBootstrapLock     = "adminBootstrap.lockUntil"
)

// Bootstrap implements the one-time (or multi-use) protocol that elevates
// the first chat to admin using a shared secret with lockout.
type Bootstrap struct {
	store *storage.Store
	cfg   config.Config

	// now is swappable in tests.
	now func() time.Time
}

// NewBootstrap builds the bootstrap gate.
func NewBootstrap(store *storage.Store, cfg config.Config) *Bootstrap {
	return &Bootstrap{store: store, cfg: cfg, now: time.Now}
}

// Attempt runs one bootstrap attempt for the chat. On success the chat is
// elevated to admin; on key mismatch the failure counter advances toward
// lockout.
func (b *Bootstrap) Attempt(ctx context.Context, chat storage.Chat, presentedKey string) error {
	if b.cfg.AdminBootstrapKey == "" {
		return &ErrDenied{Tool: "chat.register", Reason: "admin bootstrap is not configured"}
	}
	if used, err := b.store.GetMeta(ctx, metaBootstrapUsed); err != nil {
		return err
	} else if used == "1" {
		return &ErrDenied{Tool: "chat.register", Reason: "admin bootstrap has already been used"}
	}

	admins, err := b.store.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if admins > 0 {
		return &ErrDenied{Tool: "chat.register", Reason: "an admin already exists"}
	}

	if lockedUntil, err := b.lockUntil(ctx); err != nil {
		return err
	} else if lockedUntil.After(b.now()) {
		return &ErrDenied{Tool: "chat.register",
			Reason: fmt.Sprintf("bootstrap is locked out until %s", lockedUntil.Format(time.RFC3339))}
	}

	if subtle.ConstantTimeCompare([]byte(presentedKey), []byte(b.cfg.AdminBootstrapKey)) != 1 {
		if err := b.recordFailure(ctx); err != nil {
			return err
		}
		return &ErrDenied{Tool: "chat.register", Reason: "bootstrap key mismatch"}
	}

	// Match: clear failures, elevate, optionally burn the protocol.
	if err := b.store.DeleteMeta(ctx, metaBootstrapFailures); err != nil {
		return err
	}
	if err := b.store.DeleteMeta(ctx, metaBootstrapLock); err != nil {
		return err
	}
	if err := b.store.SetChatRole(ctx, chat.ID, storage.RoleAdmin); err != nil {
		return err
	}
	if b.cfg.AdminBootstrapSingleUse {
		if err := b.store.SetMeta(ctx, metaBootstrapUsed, "1"); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bootstrap) lockUntil(ctx context.Context) (time.Time, error) {
	raw, err := b.store.GetMeta(ctx, metaBootstrapLock)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func (b *Bootstrap) recordFailure(ctx context.Context) error {
	raw, err := b.store.GetMeta(ctx, metaBootstrapFailures)
	if err != nil {
		return err
	}
	failures, _ := strconv.Atoi(raw)
	failures++
	if err := b.store.SetMeta(ctx, metaBootstrapFailures, strconv.Itoa(failures)); err != nil {
		return err
	}
	maxAttempts := b.cfg.AdminBootstrapMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if failures >= maxAttempts {
		lockout := time.Duration(b.cfg.AdminBootstrapLockoutMinutes) * time.Minute
		if lockout <= 0 {
			lockout = 15 * time.Minute
		}
		until := b.now().Add(lockout)
		if err := b.store.SetMeta(ctx, metaBootstrapLock, strconv.FormatInt(until.UnixMilli(), 10)); err != nil {
			return err
		}
		if err := b.store.DeleteMeta(ctx, metaBootstrapFailures); err != nil {
			return err
		}
	}
	return nil
}
