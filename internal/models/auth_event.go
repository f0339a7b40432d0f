package models

import "time"

// Auth event types.
const (
	EventLogin            = "login"
	EventLogout           = "logout"
	EventRefresh          = "refresh"
	EventRevokeAll        = "revoke_all"
	EventIPAutoBanned     = "ip_auto_banned"
	EventIPManualBanned   = "ip_manual_banned"
	EventIPUnbanned       = "ip_unbanned"
	EventAccountUnlocked  = "account_unlocked"
	EventPasswordChange   = "password_change"
)

// Auth event results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuthEvent is one append-only entry in the authentication event log. Rows
// are never mutated after insert; the threat detector reads them back to
// spot attack patterns.
type AuthEvent struct {
	ID            string
	TS            time.Time
	EventType     string
	PrincipalType string
	PrincipalID   *string
	IP            string
	UserAgent     string
	Result        string
	FailureReason string
	Details       map[string]any
}

// AuditLog records one gateway request and the access decision made for it.
type AuditLog struct {
	ID             string
	TS             time.Time
	RequestID      string
	PrincipalType  string
	PrincipalID    *string
	PrincipalLabel string
	ClientIP       string
	UserAgent      string
	Method         string
	Host           string
	Path           string
	RouteID        *string
	StatusCode     int
	LatencyMS      int
	Decision       string
	DenyReason     string
}
