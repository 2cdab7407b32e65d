// Package channels binds message transports to the bus: each channel
// publishes inbound envelopes and receives outbound envelopes addressed to
// its name.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coreclaw/coreclaw/internal/bus"
)

// Channel is a message transport bound to a name.
type Channel interface {
	Name() string
	Send(ctx context.Context, env bus.Envelope) error
}

// Dispatcher routes outbound envelopes to the channel matching their name.
// It is registered as the bus's outbound handler.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, channels: make(map[string]Channel)}
}

// Register adds a channel.
func (d *Dispatcher) Register(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[c.Name()] = c
}

// HandleOutbound delivers one outbound envelope to its channel. Unknown
// channels are an error so the record retries and eventually dead-letters
// visibly instead of vanishing.
func (d *Dispatcher) HandleOutbound(ctx context.Context, env bus.Envelope) error {
	d.mu.RLock()
	c, ok := d.channels[env.Channel]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel registered for %q", env.Channel)
	}
	return c.Send(ctx, env)
}
