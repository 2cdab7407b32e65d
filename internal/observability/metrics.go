// Package observability aggregates runtime metrics in memory, exports them
// as Prometheus text and a JSON status document, and raises webhook alerts
// when SLO thresholds are breached.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreclaw/coreclaw/internal/storage"
)

// ToolStats aggregates one tool's call history.
type ToolStats struct {
	Calls        int64         `json:"calls"`
	Failures     int64         `json:"failures"`
	TotalLatency time.Duration `json:"total_latency_ms"`
	MaxLatency   time.Duration `json:"max_latency_ms"`
}

// SchedulerStats aggregates scheduler dispatches.
type SchedulerStats struct {
	Dispatches int64         `json:"dispatches"`
	TotalDelay time.Duration `json:"total_delay_ms"`
	MaxDelay   time.Duration `json:"max_delay_ms"`
}

// MCPStats aggregates per-server MCP calls.
type MCPStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// QueueReader supplies bus queue depths for the snapshot.
type QueueReader interface {
	Counts(ctx context.Context, direction string) (storage.QueueCounts, error)
}

// Snapshot is the on-demand aggregate.
type Snapshot struct {
	Tools     map[string]ToolStats           `json:"tools"`
	Scheduler SchedulerStats                 `json:"scheduler"`
	MCP       map[string]MCPStats            `json:"mcp"`
	Bus       map[string]storage.QueueCounts `json:"bus"`
	TakenAt   time.Time                      `json:"taken_at"`
}

// Metrics is the in-memory aggregator. It doubles as the tools.Observer,
// tools.MCPObserver, and scheduler dispatch hook.
type Metrics struct {
	mu        sync.Mutex
	tools     map[string]*ToolStats
	scheduler SchedulerStats
	mcp       map[string]*MCPStats

	queues QueueReader

	registry       *prometheus.Registry
	toolCalls      *prometheus.CounterVec
	toolFailures   *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	schedulerDelay prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	mcpCalls       *prometheus.CounterVec
	mcpFailures    *prometheus.CounterVec
}

// NewMetrics builds the aggregator and its Prometheus collectors.
func NewMetrics(queues QueueReader) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		tools:    make(map[string]*ToolStats),
		mcp:      make(map[string]*MCPStats),
		queues:   queues,
		registry: registry,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coreclaw_tool_calls_total",
			Help: "Tool invocations by tool name.",
		}, []string{"tool"}),
		toolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coreclaw_tool_failures_total",
			Help: "Failed tool invocations by tool name.",
		}, []string{"tool"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coreclaw_tool_latency_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		schedulerDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coreclaw_scheduler_max_delay_ms",
			Help: "Maximum observed scheduler dispatch delay.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coreclaw_bus_queue_depth",
			Help: "Bus queue depth by direction and status.",
		}, []string{"direction", "status"}),
		mcpCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coreclaw_mcp_calls_total",
			Help: "MCP tool calls by server.",
		}, []string{"server"}),
		mcpFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coreclaw_mcp_failures_total",
			Help: "Failed MCP tool calls by server.",
		}, []string{"server"}),
	}
	registry.MustRegister(m.toolCalls, m.toolFailures, m.toolLatency,
		m.schedulerDelay, m.queueDepth, m.mcpCalls, m.mcpFailures)
	return m
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ToolCall implements tools.Observer.
func (m *Metrics) ToolCall(name string, latency time.Duration, failed bool) {
	m.mu.Lock()
	stats, ok := m.tools[name]
	if !ok {
		stats = &ToolStats{}
		m.tools[name] = stats
	}
	stats.Calls++
	stats.TotalLatency += latency
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if failed {
		stats.Failures++
	}
	m.mu.Unlock()

	m.toolCalls.WithLabelValues(name).Inc()
	m.toolLatency.WithLabelValues(name).Observe(latency.Seconds())
	if failed {
		m.toolFailures.WithLabelValues(name).Inc()
	}
}

// SchedulerDispatch records one task firing's delay.
func (m *Metrics) SchedulerDispatch(delay time.Duration) {
	m.mu.Lock()
	m.scheduler.Dispatches++
	m.scheduler.TotalDelay += delay
	if delay > m.scheduler.MaxDelay {
		m.scheduler.MaxDelay = delay
	}
	maxDelay := m.scheduler.MaxDelay
	m.mu.Unlock()

	m.schedulerDelay.Set(float64(maxDelay.Milliseconds()))
}

// MCPCall implements tools.MCPObserver.
func (m *Metrics) MCPCall(server string, failed bool) {
	m.mu.Lock()
	stats, ok := m.mcp[server]
	if !ok {
		stats = &MCPStats{}
		m.mcp[server] = stats
	}
	stats.Calls++
	if failed {
		stats.Failures++
	}
	m.mu.Unlock()

	m.mcpCalls.WithLabelValues(server).Inc()
	if failed {
		m.mcpFailures.WithLabelValues(server).Inc()
	}
}

// Snapshot assembles the on-demand aggregate, refreshing the queue depth
// gauges as a side effect.
func (m *Metrics) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Tools:   make(map[string]ToolStats),
		MCP:     make(map[string]MCPStats),
		Bus:     make(map[string]storage.QueueCounts),
		TakenAt: time.Now(),
	}

	m.mu.Lock()
	for name, stats := range m.tools {
		snap.Tools[name] = *stats
	}
	snap.Scheduler = m.scheduler
	for server, stats := range m.mcp {
		snap.MCP[server] = *stats
	}
	m.mu.Unlock()

	if m.queues != nil {
		for _, direction := range []string{storage.DirectionInbound, storage.DirectionOutbound} {
			counts, err := m.queues.Counts(ctx, direction)
			if err != nil {
				continue
			}
			snap.Bus[direction] = counts
			m.queueDepth.WithLabelValues(direction, storage.QueueStatusPending).Set(float64(counts.Pending))
			m.queueDepth.WithLabelValues(direction, storage.QueueStatusProcessing).Set(float64(counts.Processing))
			m.queueDepth.WithLabelValues(direction, storage.QueueStatusDeadLetter).Set(float64(counts.DeadLetter))
		}
	}
	return snap
}
