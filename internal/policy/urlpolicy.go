package policy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/coreclaw/coreclaw/internal/config"
)

// WebPolicy is the serializable URL policy applied to web.fetch, both in the
// parent process and inside isolated workers.
type WebPolicy struct {
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	AllowedPorts   []int    `json:"allowedPorts,omitempty"`
	BlockedPorts   []int    `json:"blockedPorts,omitempty"`
}

// WebPolicyFromConfig extracts the web policy fields.
func WebPolicyFromConfig(cfg config.Config) WebPolicy {
	return WebPolicy{
		AllowedDomains: cfg.AllowedWebDomains,
		AllowedPorts:   cfg.AllowedWebPorts,
		BlockedPorts:   cfg.BlockedWebPorts,
	}
}

// blockedV4 and blockedV6 are the private/loopback/link-local/CGNAT ranges
// that web.fetch must never reach.
var blockedV4 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
}

var blockedV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// CheckURL validates a web.fetch target: scheme, hostname, literal-IP and
// resolved-address ranges, domain allowlist, and port rules. DNS resolution
// uses the default resolver.
func (p WebPolicy) CheckURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("host %q not allowed", host)
	}

	port := u.Port()
	portNum := 80
	if scheme == "https" {
		portNum = 443
	}
	if port != "" {
		if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
			return fmt.Errorf("bad port %q", port)
		}
	}
	for _, blocked := range p.BlockedPorts {
		if portNum == blocked {
			return fmt.Errorf("port %d is blocked", portNum)
		}
	}
	if len(p.AllowedPorts) > 0 {
		ok := false
		for _, allowed := range p.AllowedPorts {
			if portNum == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("port %d is not in the allowed set", portNum)
		}
	}

	if len(p.AllowedDomains) > 0 && !p.domainAllowed(host) {
		return fmt.Errorf("domain %q is not in the allowed set", host)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(ip) {
			return fmt.Errorf("address %s is in a blocked range", ip)
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, addr := range addrs {
		if isBlockedAddr(addr) {
			return fmt.Errorf("host %q resolves to blocked address %s", host, addr)
		}
	}
	return nil
}

func (p WebPolicy) domainAllowed(host string) bool {
	for _, domain := range p.AllowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedAddr(ip netip.Addr) bool {
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if ip.Is4() {
		for _, prefix := range blockedV4 {
			if prefix.Contains(ip) {
				return true
			}
		}
		return false
	}
	for _, prefix := range blockedV6 {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}
