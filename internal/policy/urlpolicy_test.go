package policy

import (
	"context"
	"testing"
)

func TestCheckURLSchemeAndHost(t *testing.T) {
	p := WebPolicy{}
	ctx := context.Background()

	bad := []string{
		"ftp://example.com/x",
		"file:///etc/passwd",
		"http://localhost/x",
		"http://api.localhost/x",
		"http://127.0.0.1/x",
		"http://10.1.2.3/x",
		"http://169.254.1.1/x",
		"http://172.16.0.1/x",
		"http://192.168.1.1/x",
		"http://100.64.0.1/x",
		"http://0.0.0.0/x",
		"http://[::1]/x",
		"http://[fe80::1]/x",
		"http://[fc00::1]/x",
		"http://[::ffff:192.168.1.1]/x",
	}
	for _, raw := range bad {
		if err := p.CheckURL(ctx, raw); err == nil {
			t.Errorf("CheckURL(%q) passed, want rejection", raw)
		}
	}

	// Literal public IPs pass without resolution.
	if err := p.CheckURL(ctx, "http://93.184.216.34/x"); err != nil {
		t.Errorf("public literal IP rejected: %v", err)
	}
}

func TestCheckURLDomainAllowlist(t *testing.T) {
	p := WebPolicy{AllowedDomains: []string{"example.com"}}
	ctx := context.Background()

	if err := p.CheckURL(ctx, "https://evil.test/"); err == nil {
		t.Error("off-list domain allowed")
	}
	// Suffix matching admits subdomains; resolution may fail in sandboxed
	// test environments, so only assert the allowlist verdicts.
	if err := p.CheckURL(ctx, "https://93.184.216.34/"); err == nil {
		t.Error("literal IP allowed despite non-empty domain allowlist")
	}
}

func TestCheckURLPorts(t *testing.T) {
	ctx := context.Background()

	blocked := WebPolicy{BlockedPorts: []int{8443}}
	if err := blocked.CheckURL(ctx, "https://93.184.216.34:8443/"); err == nil {
		t.Error("blocked port allowed")
	}

	allowed := WebPolicy{AllowedPorts: []int{443}}
	if err := allowed.CheckURL(ctx, "https://93.184.216.34/"); err != nil {
		t.Errorf("default https port rejected: %v", err)
	}
	if err := allowed.CheckURL(ctx, "http://93.184.216.34/"); err == nil {
		t.Error("port 80 allowed despite allowlist of 443 only")
	}
}
