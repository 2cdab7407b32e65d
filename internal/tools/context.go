package tools

import (
	"context"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/policy"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

// Publisher is the subset of the bus a tool may reach: publish only, never
// dequeue.
type Publisher interface {
	PublishInbound(ctx context.Context, env bus.Envelope) (bus.Envelope, error)
	PublishOutbound(ctx context.Context, env bus.Envelope) (bus.Envelope, error)
}

// DeadLetterAdmin exposes the bus dead-letter operations to admin tools.
type DeadLetterAdmin interface {
	ListDeadLetterMessages(ctx context.Context, direction string, limit int) ([]storage.QueueRecord, error)
	ReplayDeadLetterMessages(ctx context.Context, queueID int64, direction string, limit int) ([]int64, error)
}

// Context is the per-invocation tool context. It deliberately exposes the
// bus's publish surface and the storage, not the router.
type Context struct {
	Chat       storage.Chat
	Store      *storage.Store
	Bus        Publisher
	DeadLetter DeadLetterAdmin
	Workspace  *workspace.Workspace
	Skills     *skills.Index
	Bootstrap  *policy.Bootstrap
}
