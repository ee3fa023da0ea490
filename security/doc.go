// Package security holds the hardening pieces shared by the HTTP layer and
// the storage backends.
//
// # Rate limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate)
// with LRU eviction so that a spray of distinct client addresses cannot grow
// memory without bound. The token endpoint keys it on the resolved client IP:
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(resolver.ClientIP(r)) {
//	    w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter()))
//	    ...
//	}
//
// GetStats exposes entry counts and evictions. A steadily rising eviction
// count usually means a distributed client population or an attack.
//
// # Encryption at rest
//
// Encryptor seals values with AES-256-GCM. Sealed values carry a version
// prefix so that rows written before encryption was enabled can still be
// told apart and read.
//
// # Audit
//
// Auditor writes structured security events (replayed codes, refresh token
// reuse, PKCE failures) with hashed token material only.
package security
