package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver determines the address a request originated from.
//
// Forwarding headers are only consulted when TrustProxy is set. Enable it
// only behind a reverse proxy that overwrites X-Forwarded-For.
type ClientIPResolver struct {
	TrustProxy bool
	// TrustedProxyCount is the number of proxies, counted from the right of
	// X-Forwarded-For, that belong to this deployment. Zero means one.
	TrustedProxyCount int
}

// ClientIP returns the client address for r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF picks the entry just left of the trusted proxies.
//
//	Client (1.2.3.4) -> Untrusted -> Trusted2 -> Trusted1 (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, trusted2-ip"
//	trustedProxyCount=2 selects ips[0]
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	clientIP := strings.TrimSpace(ips[clientIPIndex(len(ips), trustedProxyCount)])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

func clientIPIndex(numIPs, trustedProxyCount int) int {
	if trustedProxyCount == 0 {
		trustedProxyCount = 1
	}
	return max(numIPs-trustedProxyCount-1, 0)
}

func extractIPFromXRealIP(xri string) string {
	xri = strings.TrimSpace(xri)
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
