package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteAppend(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := ws.Write("notes/a.txt", "one\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ws.Append("notes/a.txt", "two\n"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := ws.Read("notes/a.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "one\ntwo\n" {
		t.Errorf("content = %q", got)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, path := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd"} {
		if _, err := ws.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) succeeded, want outside-workspace error", path)
		} else if !strings.Contains(err.Error(), "outside workspace") {
			t.Errorf("Resolve(%q) error = %v, want message containing %q", path, err, "outside workspace")
		}
	}
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A symlink inside the workspace pointing outside it.
	link := filepath.Join(ws.Root(), "link-outside")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	// The leaf does not exist yet; resolution must still block the escape.
	_, err = ws.Resolve("link-outside/new.txt")
	if err == nil {
		t.Fatal("symlink escape not blocked")
	}
	if !strings.Contains(err.Error(), "outside workspace") {
		t.Errorf("error = %v, want message containing %q", err, "outside workspace")
	}

	var escapeErr *ErrOutsideWorkspace
	if !errors.As(err, &escapeErr) {
		t.Errorf("error type = %T, want *ErrOutsideWorkspace", err)
	}
}

func TestResolveNewFileUnderExistingDir(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resolved, err := ws.Resolve("memory/new-file.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasPrefix(resolved, ws.Root()) {
		t.Errorf("resolved %q not under root %q", resolved, ws.Root())
	}
}

func TestSanitizeChatID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"simple", "simple"},
		{"with space", "with_20space"},
		{"a/b\\c", "a_2Fb_5Cc"},
		{"control\x01char", "control_01char"},
	}
	for _, tc := range cases {
		if got := SanitizeChatID(tc.in); got != tc.want {
			t.Errorf("SanitizeChatID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := strings.Repeat("x", 300)
	if got := SanitizeChatID(long); len(got) != 120 {
		t.Errorf("long id sanitized to %d chars, want 120", len(got))
	}
}

func TestChatMemoryPathLegacyHonored(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Sanitized name by default.
	path := ws.ChatMemoryPath("cli", "user name")
	if path != filepath.Join("memory", "cli_user_20name.md") {
		t.Errorf("path = %q", path)
	}

	// Legacy unsanitized file wins when it exists.
	legacy := filepath.Join("memory", "cli_user name.md")
	if err := ws.Write(legacy, "old"); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	if got := ws.ChatMemoryPath("cli", "user name"); got != legacy {
		t.Errorf("legacy path not honored: %q", got)
	}
}
