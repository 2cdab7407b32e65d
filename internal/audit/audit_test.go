package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreclaw/coreclaw/internal/storage"
)

func TestRecordWritesTableAndJSONL(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	rec, err := NewRecorder(store, dir, slog.Default())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	rec.Record(ctx, KindToolExecute, "fs.write", storage.AuditOK, "",
		[]byte(`{"path":"a.txt","password":"hunter2"}`))

	events, err := store.ListAuditEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != KindToolExecute || ev.ToolName != "fs.write" || ev.Outcome != storage.AuditOK {
		t.Errorf("event = %+v", ev)
	}
	if strings.Contains(ev.ArgsJSON, "hunter2") {
		t.Errorf("table row leaked the password: %s", ev.ArgsJSON)
	}
	if !strings.Contains(ev.ArgsJSON, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", ev.ArgsJSON)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read jsonl: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("jsonl leaked the password")
	}
	var line map[string]any
	if err := json.Unmarshal(data[:len(data)-1], &line); err != nil {
		t.Errorf("jsonl line not valid JSON: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	rec, err := NewRecorder(store, dir, slog.Default())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// Recording after close still reaches the table.
	rec.Record(context.Background(), KindError, "", storage.AuditError, "late", nil)
	events, _ := store.ListAuditEvents(context.Background(), 10)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}
