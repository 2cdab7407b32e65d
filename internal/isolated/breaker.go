package isolated

import (
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a tool's breaker rejects the call. The
// message includes the reopen time.
type ErrCircuitOpen struct {
	Tool     string
	ReopenAt time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Tool, e.ReopenAt.Format(time.RFC3339))
}

// breaker is a per-tool consecutive-failure circuit breaker.
type breaker struct {
	mu        sync.Mutex
	threshold int
	reset     time.Duration

	failures int
	openedAt time.Time
	now      func() time.Time
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 30 * time.Second
	}
	return &breaker{threshold: threshold, reset: reset, now: time.Now}
}

// allow checks the breaker before an invocation. An open breaker whose
// cooldown elapsed transitions to half-open: the next call is admitted and
// the verdict depends on its outcome.
func (b *breaker) allow(tool string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return nil
	}
	reopenAt := b.openedAt.Add(b.reset)
	if b.now().Before(reopenAt) {
		return &ErrCircuitOpen{Tool: tool, ReopenAt: reopenAt}
	}
	// Cooldown elapsed: half-open.
	b.openedAt = time.Time{}
	b.failures = b.threshold - 1
	return nil
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedAt = time.Time{}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}
