package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONLAndRedacts(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("starting up", "port", 8787)
	logger.Info("credentials loaded", "api_key", "sk-live-123456789012345678")
	logger.Debug("suppressed at info level")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "sk-live-123456789012345678") {
		t.Error("api key leaked into the log file")
	}
	if !strings.Contains(content, "[REDACTED]") {
		t.Error("redaction marker missing")
	}
	if strings.Contains(content, "suppressed at info level") {
		t.Error("debug line written at info level")
	}

	// Every line is a JSON document with the renamed timestamp key.
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			t.Fatalf("non-JSON log line %q: %v", line, err)
		}
		if _, ok := doc["timestamp"]; !ok {
			t.Errorf("line missing timestamp key: %s", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG", "warn": "WARN", "warning": "WARN",
		"error": "ERROR", "info": "INFO", "": "INFO", "bogus": "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
