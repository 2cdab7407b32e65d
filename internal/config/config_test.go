package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coreclaw.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryMaxMessages != 50 || cfg.Bus.MaxAttempts != 3 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.SQLitePath != filepath.Join("./data", "coreclaw.db") {
		t.Errorf("sqlitePath = %q", cfg.SQLitePath)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"historyMaxMessages": 7,
		"provider": {"model": "test-model", "maxInputTokens": 1000},
		"bus": {"maxAttempts": 9}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryMaxMessages != 7 || cfg.Provider.Model != "test-model" || cfg.Bus.MaxAttempts != 9 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	// Untouched fields keep defaults.
	if cfg.Bus.PollMs != 250 {
		t.Errorf("poll default lost: %d", cfg.Bus.PollMs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CORECLAW_LOGLEVEL", "debug")
	t.Setenv("CORECLAW_PROVIDER_MODEL", "env-model")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("logLevel = %q, want env override", cfg.LogLevel)
	}
	if cfg.Provider.Model != "env-model" {
		t.Errorf("provider.model = %q, want env override", cfg.Provider.Model)
	}
}

func TestInvalidJSONIsFatal(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)
	var invalid *ErrInvalid
	if !errors.As(err, &invalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestHardenedProfileGates(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.SecurityProfile = ProfileHardened
		cfg.AllowedWebDomains = []string{"example.com"}
		return cfg
	}

	// A compliant hardened config passes.
	if err := Validate(base()); err != nil {
		t.Fatalf("compliant hardened config rejected: %v", err)
	}

	// allowShell is rejected.
	cfg := base()
	cfg.AllowShell = true
	if err := Validate(cfg); err == nil {
		t.Error("hardened + allowShell accepted")
	}

	// Empty web domain allowlist is rejected.
	cfg = base()
	cfg.AllowedWebDomains = nil
	if err := Validate(cfg); err == nil {
		t.Error("hardened + empty allowedWebDomains accepted")
	}

	// Webhook must bind loopback and carry a token.
	cfg = base()
	cfg.Webhook.Enabled = true
	cfg.Webhook.Host = "0.0.0.0"
	cfg.Webhook.AuthToken = "t"
	if err := Validate(cfg); err == nil {
		t.Error("hardened + non-loopback webhook accepted")
	}
	cfg.Webhook.Host = "127.0.0.1"
	cfg.Webhook.AuthToken = ""
	if err := Validate(cfg); err == nil {
		t.Error("hardened + tokenless webhook accepted")
	}
	cfg.Webhook.AuthToken = "t"
	if err := Validate(cfg); err != nil {
		t.Errorf("compliant webhook rejected: %v", err)
	}

	// Observability listener must bind loopback too.
	cfg = base()
	cfg.Observability.HTTP.Enabled = true
	cfg.Observability.HTTP.Host = "0.0.0.0"
	if err := Validate(cfg); err == nil {
		t.Error("hardened + public observability listener accepted")
	}
}

func TestParseActiveHours(t *testing.T) {
	start, end, err := ParseActiveHours("09:30-17:45")
	if err != nil {
		t.Fatalf("ParseActiveHours: %v", err)
	}
	if start != 9*60+30 || end != 17*60+45 {
		t.Errorf("parsed = %d-%d", start, end)
	}
	for _, bad := range []string{"9am-5pm", "25:00-26:00", "09:00", ""} {
		if _, _, err := ParseActiveHours(bad); err == nil {
			t.Errorf("ParseActiveHours(%q) accepted", bad)
		}
	}
}

func TestUnknownProfileRejected(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "paranoid"
	if err := Validate(cfg); err == nil {
		t.Error("unknown profile accepted")
	}
}
