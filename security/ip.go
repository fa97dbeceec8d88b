package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP from a request. With trustProxy set it
// consults X-Forwarded-For and X-Real-IP; trustedProxyCount says how many
// proxies at the right of the X-Forwarded-For chain are ours, which keeps a
// client from planting its own entries. Without trustProxy only RemoteAddr
// is used.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client entry out of an X-Forwarded-For chain.
// The chain reads "client, proxy1, proxy2"; the rightmost trustedProxyCount
// entries were appended by proxies we control, so the client sits just left
// of them.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount == 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
