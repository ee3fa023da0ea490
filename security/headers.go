package security

import (
	"net/http"
	"net/url"
)

const (
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

	// The approval page needs its inline stylesheet. form-action is left
	// open because the approval POST is answered with a redirect to the
	// client's callback.
	pageContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; base-uri 'none'; frame-ancestors 'none'"
)

// SetSecurityHeaders sets the headers shared by every OAuth response.
// HSTS is only sent when the issuer is served over https.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", apiContentSecurityPolicy)
}

// SetPageSecurityHeaders sets the headers for server-rendered HTML such as
// the approval page.
func SetPageSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", pageContentSecurityPolicy)
}

func setCommonHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token and code responses must never be cached.
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SecurityHeadersMiddleware applies SetSecurityHeaders before the wrapped
// handler runs. Handlers rendering HTML override the policy with
// SetPageSecurityHeaders.
func SecurityHeadersMiddleware(issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, issuer)
			next.ServeHTTP(w, r)
		})
	}
}
