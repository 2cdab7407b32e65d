package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// Alert is the JSON document POSTed to the alert webhook on a threshold
// breach.
type Alert struct {
	Breach   string    `json:"breach"`
	Detail   string    `json:"detail"`
	Value    float64   `json:"value"`
	Limit    float64   `json:"limit"`
	RaisedAt time.Time `json:"raised_at"`
}

// SLOChecker periodically evaluates the configured thresholds against the
// metric snapshot and posts alerts with a per-breach cooldown.
type SLOChecker struct {
	metrics *Metrics
	cfg     config.SLOConfig
	logger  *slog.Logger
	client  *http.Client

	mu        sync.Mutex
	lastAlert map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// post is swappable in tests.
	post func(ctx context.Context, alert Alert) error
}

// NewSLOChecker builds the checker.
func NewSLOChecker(metrics *Metrics, cfg config.SLOConfig, logger *slog.Logger) *SLOChecker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SLOChecker{
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		lastAlert: make(map[string]time.Time),
	}
	c.post = c.postWebhook
	return c
}

// Start launches the periodic check loop.
func (c *SLOChecker) Start(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckOnce(ctx)
			}
		}
	}()
}

// Stop cancels the check loop. Idempotent.
func (c *SLOChecker) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()
}

// CheckOnce evaluates every threshold against a fresh snapshot.
func (c *SLOChecker) CheckOnce(ctx context.Context) {
	snap := c.metrics.Snapshot(ctx)

	if c.cfg.MaxPendingQueue > 0 {
		for _, direction := range []string{storage.DirectionInbound, storage.DirectionOutbound} {
			pending := snap.Bus[direction].Pending
			if pending > c.cfg.MaxPendingQueue {
				c.raise(ctx, "pending_queue:"+direction,
					fmt.Sprintf("%s pending queue depth %d exceeds %d", direction, pending, c.cfg.MaxPendingQueue),
					float64(pending), float64(c.cfg.MaxPendingQueue))
			}
		}
	}
	if c.cfg.MaxDeadLetterQueue > 0 {
		for _, direction := range []string{storage.DirectionInbound, storage.DirectionOutbound} {
			dead := snap.Bus[direction].DeadLetter
			if dead > c.cfg.MaxDeadLetterQueue {
				c.raise(ctx, "dead_letter_queue:"+direction,
					fmt.Sprintf("%s dead-letter depth %d exceeds %d", direction, dead, c.cfg.MaxDeadLetterQueue),
					float64(dead), float64(c.cfg.MaxDeadLetterQueue))
			}
		}
	}
	if c.cfg.MaxToolFailureRate > 0 {
		for name, stats := range snap.Tools {
			if stats.Calls < 5 {
				continue
			}
			rate := float64(stats.Failures) / float64(stats.Calls)
			if rate > c.cfg.MaxToolFailureRate {
				c.raise(ctx, "tool_failure_rate:"+name,
					fmt.Sprintf("tool %s failure rate %.2f exceeds %.2f", name, rate, c.cfg.MaxToolFailureRate),
					rate, c.cfg.MaxToolFailureRate)
			}
		}
	}
	if c.cfg.MaxSchedulerDelayMs > 0 {
		delayMs := snap.Scheduler.MaxDelay.Milliseconds()
		if delayMs > int64(c.cfg.MaxSchedulerDelayMs) {
			c.raise(ctx, "scheduler_delay",
				fmt.Sprintf("scheduler max delay %dms exceeds %dms", delayMs, c.cfg.MaxSchedulerDelayMs),
				float64(delayMs), float64(c.cfg.MaxSchedulerDelayMs))
		}
	}
	if c.cfg.MaxMcpFailureRate > 0 {
		for server, stats := range snap.MCP {
			if stats.Calls < 5 {
				continue
			}
			rate := float64(stats.Failures) / float64(stats.Calls)
			if rate > c.cfg.MaxMcpFailureRate {
				c.raise(ctx, "mcp_failure_rate:"+server,
					fmt.Sprintf("mcp server %s failure rate %.2f exceeds %.2f", server, rate, c.cfg.MaxMcpFailureRate),
					rate, c.cfg.MaxMcpFailureRate)
			}
		}
	}
}

// raise posts one alert, rate-limited per breach key by the cooldown.
func (c *SLOChecker) raise(ctx context.Context, key, detail string, value, limit float64) {
	cooldown := time.Duration(c.cfg.AlertCooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	c.mu.Lock()
	last, seen := c.lastAlert[key]
	if seen && time.Since(last) < cooldown {
		c.mu.Unlock()
		return
	}
	c.lastAlert[key] = time.Now()
	c.mu.Unlock()

	alert := Alert{Breach: key, Detail: detail, Value: value, Limit: limit, RaisedAt: time.Now()}
	c.logger.Warn("slo breach", "breach", key, "detail", detail)
	if c.cfg.AlertWebhookURL == "" {
		return
	}
	if err := c.post(ctx, alert); err != nil {
		c.logger.Error("slo alert post failed", "breach", key, "error", err)
	}
}

func (c *SLOChecker) postWebhook(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
