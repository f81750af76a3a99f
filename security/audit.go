// Package security provides security features for the IndieAuth server,
// including audit logging, rate limiting, request IDs, and secure header
// management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Username  string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"username_hash", hashForLogging(event.Username),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs issuance of an authorization code
func (a *Auditor) LogCodeIssued(username, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "code_issued",
		Username:  username,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeExchanged logs a successful code-for-token exchange
func (a *Auditor) LogCodeExchanged(username, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "code_exchanged",
		Username:  username,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRevoked logs a token revocation
func (a *Auditor) LogTokenRevoked(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_revoked",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogConsentDecision logs the owner's consent decision for a client
func (a *Auditor) LogConsentDecision(username, clientID, ipAddress string, approved, remembered bool) {
	a.LogEvent(Event{
		Type:      "consent_decision",
		Username:  username,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"approved":   approved,
			"remembered": remembered,
		},
	})
}

// LogAuthFailure logs a failed validation or grant attempt
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogDiscoveryBlocked logs a client metadata fetch rejected by SSRF protection
func (a *Auditor) LogDiscoveryBlocked(clientID, reason string) {
	a.LogEvent(Event{
		Type:     "discovery_blocked",
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
			"ssrf":   "protected",
		},
	})
}

// hashForLogging hashes sensitive identifiers before they reach the log
// stream. An empty input stays empty so absent identifiers remain visible
// as absent.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
