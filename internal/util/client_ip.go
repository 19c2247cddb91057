package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// maxForwardedHops bounds how much of a forwarded chain is inspected.
const maxForwardedHops = 16

// TrustedProxies is the allowlist of reverse proxies (ingress, load balancer)
// whose forwarding headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or single-IP entries. No entries yields nil,
// which trusts nobody.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr belongs to a trusted proxy.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address used as the login rate-limit and audit key.
// Forwarding headers count only when the direct peer is a trusted proxy. The
// standard Forwarded header wins over X-Forwarded-For, which wins over X-Real-IP.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := parseHop(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	chain := forwardedChain(r.Header.Values("Forwarded"))
	if len(chain) == 0 {
		chain = xForwardedChain(r.Header.Values("X-Forwarded-For"))
	}
	if len(chain) > 0 {
		// Walk from the nearest hop; the first untrusted one is the client.
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.Contains(chain[i]) {
				return chain[i].String()
			}
		}
		return chain[0].String()
	}
	if realIP, ok := parseHop(r.Header.Get("X-Real-IP")); ok {
		return realIP.String()
	}
	return peer.String()
}

// forwardedChain extracts the for= parameters of RFC 7239 Forwarded headers.
// An obfuscated or "unknown" identifier discards the whole header.
func forwardedChain(values []string) []netip.Addr {
	var out []netip.Addr
	for _, v := range values {
		for _, elem := range strings.Split(v, ",") {
			for _, pair := range strings.Split(elem, ";") {
				key, val, found := strings.Cut(strings.TrimSpace(pair), "=")
				if !found || !strings.EqualFold(key, "for") {
					continue
				}
				addr, ok := parseHop(strings.Trim(val, `"`))
				if !ok {
					return nil
				}
				out = append(out, addr)
			}
		}
	}
	return lastHops(out)
}

func xForwardedChain(values []string) []netip.Addr {
	var out []netip.Addr
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if addr, ok := parseHop(part); ok {
				out = append(out, addr)
			}
		}
	}
	return lastHops(out)
}

func lastHops(chain []netip.Addr) []netip.Addr {
	if len(chain) > maxForwardedHops {
		return chain[len(chain)-maxForwardedHops:]
	}
	return chain
}

// parseHop accepts "ip", "ip:port", "[v6]" and "[v6]:port".
func parseHop(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
