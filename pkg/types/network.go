package types

import (
	"net"
	"net/url"
	"strings"
)

func StripHostPort(host string) string {
	if host == "" {
		return host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	}
	return host
}

func OriginHost(origin string) string {
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" {
		return StripHostPort(parsed.Host)
	}
	return StripHostPort(origin)
}

// MatchOrigin reports whether origin is covered by the allow list. Entries may
// be "*", a full origin, a bare host, or a "*.suffix" wildcard.
func MatchOrigin(allowed []string, origin string) bool {
	originHost := OriginHost(origin)
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case entry == "*":
			return true
		case strings.EqualFold(entry, origin):
			return true
		case strings.HasPrefix(entry, "*."):
			suffix := strings.TrimPrefix(entry, "*.")
			if originHost != "" && (strings.EqualFold(originHost, suffix) || strings.HasSuffix(strings.ToLower(originHost), "."+strings.ToLower(suffix))) {
				return true
			}
		default:
			if h := OriginHost(entry); h != "" && originHost != "" && strings.EqualFold(h, originHost) {
				return true
			}
		}
	}
	return false
}

// AllowsAll reports whether the allow list contains the "*" entry.
func AllowsAll(allowed []string) bool {
	for _, entry := range allowed {
		if strings.TrimSpace(entry) == "*" {
			return true
		}
	}
	return false
}
