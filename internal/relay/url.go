package relay

import (
	"net"
	"net/url"
	"strings"
)

// IsURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func IsURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	// Only allow ws:// and wss:// schemes
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	// Allow localhost for development
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// If we can't resolve, allow it (might be a valid external host)
		// but block obvious internal names
		if strings.HasSuffix(host, ".") ||
			strings.Contains(host, ".local") ||
			strings.Contains(host, ".internal") {
			return false
		}
		return true
	}

	for _, ip := range ips {
		if !isIPSafe(ip) {
			return false
		}
	}

	return true
}

// isIPSafe checks if an IP is safe for relay connections.
// Allows loopback (localhost) but blocks other private ranges.
func isIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip.IsLoopback() {
		return true
	}

	// Private networks (10.x, 172.16-31.x, 192.168.x)
	if ip.IsPrivate() {
		return false
	}

	// Link-local (169.254.x.x)
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}

	// Unspecified (0.0.0.0)
	if ip.IsUnspecified() {
		return false
	}

	// Cloud metadata IP
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}

	if ip.IsMulticast() {
		return false
	}

	return true
}

// SanitizeRelayURLs filters a relay list down to safe, deduplicated URLs.
func SanitizeRelayURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	var out []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] || !IsURLSafe(u) {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
