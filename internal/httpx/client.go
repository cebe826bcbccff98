package httpx

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"unicode/utf8"
)

const maxUserAgent = 256

// ClientIP returns the canonical peer address of r without port or zone.
// Behind chi's RealIP middleware this is the forwarded client address.
func ClientIP(r *http.Request) string {
	raw := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.Trim(raw, "[]")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	return addr.WithZone("").Unmap().String()
}

// UserAgent returns the request's user agent clipped to a loggable length.
func UserAgent(r *http.Request) string {
	ua := r.UserAgent()
	if utf8.RuneCountInString(ua) <= maxUserAgent {
		return ua
	}
	n := 0
	for i := range ua {
		if n == maxUserAgent {
			return ua[:i]
		}
		n++
	}
	return ua
}
