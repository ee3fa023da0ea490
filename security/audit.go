package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"
)

// AuditRecorder receives a count for every audit event. *instrumentation.Metrics
// satisfies it.
type AuditRecorder interface {
	RecordAuditEvent(ctx context.Context, eventType string)
}

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder AuditRecorder
	now      func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetRecorder attaches a metrics sink. Events are counted even when
// logging is disabled.
func (a *Auditor) SetRecorder(r AuditRecorder) {
	a.recorder = r
}

// Event represents a security audit event
type Event struct {
	// ID is a ksuid, assigned by LogEvent when empty.
	ID        string
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII and returns its id.
// A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) string {
	if a == nil {
		return ""
	}
	if event.ID == "" {
		event.ID = ksuid.New().String()
	}
	if a.recorder != nil {
		a.recorder.RecordAuditEvent(context.Background(), event.Type)
	}
	if !a.enabled {
		return event.ID
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	return event.ID
}

// LogTokenIssued logs when a grant issues tokens
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthorizationDecision logs the outcome of a consent step.
func (a *Auditor) LogAuthorizationDecision(userID, clientID, scope string, approved, automatic bool) {
	eventType := EventAuthorizationDenied
	if approved {
		eventType = EventAuthorizationApproved
	}
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope":     scope,
			"automatic": automatic,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
