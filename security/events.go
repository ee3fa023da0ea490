package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant issues an access token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged for a new pair
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// Authorization events

	// EventAuthorizationApproved is logged when the user (or auto-approval) grants consent
	EventAuthorizationApproved = "authorization_approved"

	// EventAuthorizationDenied is logged when the user denies consent
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReplay is logged when a consumed code is presented again
	EventAuthorizationCodeReplay = "authorization_code_replay"

	// EventRefreshTokenReplay is logged when a consumed refresh token is presented again
	EventRefreshTokenReplay = "refresh_token_replay" //nolint:gosec // event name, not a credential

	// Security violation events

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh asks for more than the original scopes
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventCSRFValidationFailed is logged when a consent form is submitted with a bad token
	EventCSRFValidationFailed = "csrf_validation_failed"
)
