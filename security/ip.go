package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the real client IP from a request. X-Forwarded-For and
// X-Real-IP are only consulted when trustProxy is set; trusting them on a
// directly exposed listener lets any caller spoof the replay guard's and rate
// limiter's keys.
//
// X-Forwarded-For is "client, proxy1, proxy2, ..." with our own trusted
// proxies rightmost; trustedProxyCount says how many entries from the right
// belong to us.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	parts := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := len(parts) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(parts[idx])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}
