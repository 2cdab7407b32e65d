package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

func testDeps(t *testing.T) (*storage.Store, *bus.Bus) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := bus.New(store, config.BusConfig{
		PollMs: 10, BatchSize: 10, MaxAttempts: 3,
		RetryBackoffMs: 1, MaxRetryBackoffMs: 10,
		ProcessingTimeoutMs: 5_000,
		MaxPendingInbound:   100, MaxPendingOutbound: 100,
	}, slog.Default())
	return store, b
}

func TestTickFiresDueTask(t *testing.T) {
	store, b := testDeps(t)
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "cli", "local")

	taskID, err := store.CreateTask(ctx, storage.Task{
		ChatFk:        chat.ID,
		Prompt:        "run the report",
		ScheduleType:  storage.ScheduleInterval,
		ScheduleValue: "60000",
		NextRunAt:     time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var delays []time.Duration
	s := New(Config{Store: store, Bus: b, Logger: slog.Default(),
		OnDispatch: func(d time.Duration) { delays = append(delays, d) }})
	s.TickOnce(ctx)

	// Exactly one TaskRun and one synthetic inbound.
	runs, err := store.ListTaskRuns(ctx, taskID)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "success" {
		t.Fatalf("runs = %+v", runs)
	}
	counts, _ := store.CountQueue(ctx, storage.DirectionInbound)
	if counts.Pending != 1 {
		t.Errorf("pending inbound = %d, want 1", counts.Pending)
	}
	if len(delays) != 1 {
		t.Errorf("dispatch delays = %v, want one entry", delays)
	}

	// A second tick without advancing time fires nothing (missed firings
	// collapse into one).
	s.TickOnce(ctx)
	runs, _ = store.ListTaskRuns(ctx, taskID)
	if len(runs) != 1 {
		t.Errorf("second tick double-fired: %d runs", len(runs))
	}
}

func TestOnceTaskFiresOnceAndCompletes(t *testing.T) {
	store, b := testDeps(t)
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "cli", "local")

	taskID, _ := store.CreateTask(ctx, storage.Task{
		ChatFk:        chat.ID,
		Prompt:        "one shot",
		ScheduleType:  storage.ScheduleOnce,
		ScheduleValue: "0",
		NextRunAt:     time.Now().Add(-time.Minute),
	})

	s := New(Config{Store: store, Bus: b, Logger: slog.Default()})
	s.TickOnce(ctx)
	s.TickOnce(ctx)

	task, _ := store.GetTask(ctx, taskID)
	if task.Status != storage.TaskStatusDone {
		t.Errorf("once task status = %q, want done", task.Status)
	}
	runs, _ := store.ListTaskRuns(ctx, taskID)
	if len(runs) != 1 {
		t.Errorf("once task runs = %d, want 1", len(runs))
	}
}

func TestCronNextRunAdvances(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, done, err := NextRun(storage.ScheduleCron, "0 12 * * *", now)
	if err != nil {
		t.Fatalf("NextRun cron: %v", err)
	}
	if done {
		t.Error("cron marked done")
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}

	// Next firing after that one is the following day.
	next2, _, _ := NextRun(storage.ScheduleCron, "0 12 * * *", next)
	if !next2.Equal(want.Add(24 * time.Hour)) {
		t.Errorf("next2 = %s, want %s", next2, want.Add(24*time.Hour))
	}
}

func TestNextRunInvalid(t *testing.T) {
	now := time.Now()
	if _, _, err := NextRun(storage.ScheduleCron, "not a cron", now); err == nil {
		t.Error("bad cron accepted")
	}
	if _, _, err := NextRun(storage.ScheduleInterval, "abc", now); err == nil {
		t.Error("bad interval accepted")
	}
	if _, _, err := NextRun("weekly", "", now); err == nil {
		t.Error("unknown schedule type accepted")
	}

	next, done, err := NextRun(storage.ScheduleInterval, "5000", now)
	if err != nil || done {
		t.Fatalf("interval: %v done=%v", err, done)
	}
	if got := next.Sub(now); got != 5*time.Second {
		t.Errorf("interval delta = %s, want 5s", got)
	}

	_, done, err = NextRun(storage.ScheduleOnce, "", now)
	if err != nil || !done {
		t.Errorf("once: err=%v done=%v, want done", err, done)
	}
}

func TestScheduledEnvelopeMetadata(t *testing.T) {
	store, b := testDeps(t)
	ctx := context.Background()
	chat, _ := store.GetOrCreateChat(ctx, "webhook", "w1")

	taskID, _ := store.CreateTask(ctx, storage.Task{
		ChatFk:        chat.ID,
		Prompt:        "sync",
		ScheduleType:  storage.ScheduleInterval,
		ScheduleValue: "1000",
		ContextMode:   storage.ContextModeIsolated,
		NextRunAt:     time.Now().Add(-time.Second),
	})

	received := make(chan bus.Envelope, 1)
	b.Subscribe(storage.DirectionInbound, func(ctx context.Context, env bus.Envelope) error {
		received <- env
		return nil
	})

	s := New(Config{Store: store, Bus: b, Logger: slog.Default()})
	s.TickOnce(ctx)

	if err := b.Start(ctx); err != nil {
		t.Fatalf("bus start: %v", err)
	}
	defer b.Stop()

	var got bus.Envelope
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("synthetic inbound never dispatched")
	}
	if got.SenderID != SenderID || got.Content != "sync" {
		t.Errorf("envelope = %+v", got)
	}
	if !got.IsScheduledTask() {
		t.Error("isScheduledTask metadata missing")
	}
	if mode, _ := got.Metadata[bus.MetaContextMode].(string); mode != storage.ContextModeIsolated {
		t.Errorf("contextMode = %q, want isolated", mode)
	}
	if id, ok := got.Metadata[bus.MetaTaskID].(float64); !ok || int64(id) != taskID {
		t.Errorf("taskId metadata = %v", got.Metadata[bus.MetaTaskID])
	}
}
