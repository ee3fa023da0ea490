package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// IPClassification is the security classification of an IP literal.
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	IPClassificationLoopback
	IPClassificationPrivate
	IPClassificationLinkLocal
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP classifies ip. A nil ip is reported as unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLoopbackHostname reports whether hostname (without port) is localhost or a
// loopback IP literal. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateRedirectURI checks a redirect URI at client registration time.
//
// The URI must be absolute and carry no fragment (RFC 6749 section 3.1.2).
// Plain http is only accepted for loopback hosts (RFC 8252 section 7.3);
// custom schemes used by native apps are accepted as-is. Link-local and
// unspecified IP literals are rejected.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !IsLoopbackHostname(u.Hostname()) {
			return fmt.Errorf("redirect URI %q: http is only allowed for loopback hosts", raw)
		}
	default:
		// private-use scheme such as com.example.app:/cb
		return nil
	}

	if u.Host == "" {
		return fmt.Errorf("redirect URI %q has no host", raw)
	}
	if ip := net.ParseIP(strings.Trim(u.Hostname(), "[]")); ip != nil {
		switch ClassifyIP(ip) {
		case IPClassificationLinkLocal, IPClassificationUnspecified:
			return fmt.Errorf("redirect URI %q points at a %s address", raw, ClassifyIP(ip))
		}
	}
	return nil
}
