package channels

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

func cliFixture(t *testing.T, input string) (*CLI, *storage.Store, *bytes.Buffer, *bool) {
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

	out := &bytes.Buffer{}
	exited := false
	cli := NewCLI(b, strings.NewReader(input), out, func() { exited = true }, slog.Default())
	return cli, store, out, &exited
}

func TestCLIPublishesInboundLines(t *testing.T) {
	cli, store, _, _ := cliFixture(t, "hello there\n\nsecond line\n")
	cli.wg.Add(1)
	cli.loop(context.Background())

	counts, _ := store.CountQueue(context.Background(), storage.DirectionInbound)
	if counts.Pending != 2 {
		t.Errorf("pending = %d, want 2 (blank lines skipped)", counts.Pending)
	}
	records, _ := store.ClaimPending(context.Background(), storage.DirectionInbound, 10, time.Now())
	if records[0].Channel != cliName || records[0].ChatID != CLIChatID {
		t.Errorf("record = %+v", records[0])
	}
}

func TestCLIExitCommand(t *testing.T) {
	cli, store, _, exited := cliFixture(t, "/exit\nnever published\n")
	cli.wg.Add(1)
	cli.loop(context.Background())

	if !*exited {
		t.Error("/exit did not invoke the exit hook")
	}
	counts, _ := store.CountQueue(context.Background(), storage.DirectionInbound)
	if counts.Pending != 0 {
		t.Errorf("lines after /exit were published: %d", counts.Pending)
	}
}

func TestCLIDLQCommands(t *testing.T) {
	cli, store, out, _ := cliFixture(t, "")
	ctx := context.Background()

	// Seed one dead-letter record.
	limits := storage.PublishLimits{MaxPending: 10, MaxAttempts: 1}
	pub, _ := store.PublishQueueRecord(ctx, storage.DirectionInbound, "dl1", "cli", "local", `{"id":"dl1"}`, limits, time.Now())
	if _, err := store.ClaimPending(ctx, storage.DirectionInbound, 10, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDeadLetter(ctx, pub.QueueID, "boom", time.Now()); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	cli.handleDLQ(ctx, "/dlq list inbound 10")
	if !strings.Contains(out.String(), `"last_error": "boom"`) {
		t.Errorf("list output missing record: %s", out.String())
	}

	out.Reset()
	cli.handleDLQ(ctx, "/dlq replay inbound")
	if !strings.Contains(out.String(), "replayed") {
		t.Errorf("replay output = %s", out.String())
	}
	rec, _ := store.GetQueueRecord(ctx, pub.QueueID)
	if rec.Status != storage.QueueStatusPending {
		t.Errorf("record after replay = %q", rec.Status)
	}

	out.Reset()
	cli.handleDLQ(ctx, "/dlq")
	if !strings.Contains(out.String(), "usage:") {
		t.Errorf("bare /dlq output = %s", out.String())
	}
}

func TestDispatcherRoutesByChannel(t *testing.T) {
	cli, _, out, _ := cliFixture(t, "")
	d := NewDispatcher(slog.Default())
	d.Register(cli)

	err := d.HandleOutbound(context.Background(), bus.Envelope{Channel: "cli", Content: "routed reply"})
	if err != nil {
		t.Fatalf("HandleOutbound: %v", err)
	}
	if !strings.Contains(out.String(), "routed reply") {
		t.Errorf("output = %q", out.String())
	}

	if err := d.HandleOutbound(context.Background(), bus.Envelope{Channel: "ghost"}); err == nil {
		t.Error("unknown channel accepted")
	}
}
