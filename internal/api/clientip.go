package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/saveenergy/latbench/internal/config"
)

// ClientIPResolver extracts the address rate limits and logs are keyed on.
// Forwarding headers are honoured only when the direct peer is a trusted
// proxy.
type ClientIPResolver struct {
	trustProxyHeaders bool
	trustedProxies    []netip.Prefix
}

func NewClientIPResolver(cfg *config.Config) *ClientIPResolver {
	if cfg == nil {
		return &ClientIPResolver{}
	}
	return &ClientIPResolver{
		trustProxyHeaders: cfg.TrustProxyHeaders,
		trustedProxies:    parseTrustedProxies(cfg.TrustedProxyCIDRs),
	}
}

func (r *ClientIPResolver) FromRequest(req *http.Request) string {
	peer, ok := parseRemoteAddr(req.RemoteAddr)
	if !ok {
		return "unknown"
	}
	if !r.trustProxyHeaders || !r.isTrustedProxy(peer) {
		return peer.String()
	}
	if client, ok := r.rightmostUntrusted(req.Header.Get("X-Forwarded-For")); ok {
		return client.String()
	}
	if client, ok := parseAddr(req.Header.Get("X-Real-IP")); ok {
		return client.String()
	}
	return peer.String()
}

// rightmostUntrusted walks X-Forwarded-For from the right and returns the
// first hop that is not one of our proxies. Entries to its left are client
// controlled.
func (r *ClientIPResolver) rightmostUntrusted(xff string) (netip.Addr, bool) {
	if xff == "" {
		return netip.Addr{}, false
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseAddr(hops[i])
		if !ok || r.isTrustedProxy(addr) {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

func (r *ClientIPResolver) isTrustedProxy(addr netip.Addr) bool {
	for _, prefix := range r.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, entry := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(entry))
		if err == nil {
			prefixes = append(prefixes, prefix.Masked())
		}
	}
	return prefixes
}

func parseRemoteAddr(remoteAddr string) (netip.Addr, bool) {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return parseAddr(host)
	}
	return parseAddr(remoteAddr)
}

// parseAddr accepts bare addresses, bracketed IPv6 and host:port forms, and
// unmaps IPv4-in-IPv6 so both spellings share one limiter bucket.
func parseAddr(value string) (netip.Addr, bool) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(strings.Trim(clean, "[]")); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(clean); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
