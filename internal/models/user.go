package models

import (
	"time"
)

// PrincipalKind discriminates the two kinds of authenticated actors.
const (
	PrincipalUser    = "user"
	PrincipalService = "service"
)

// User is a human principal. Services authenticate with service tokens and
// are represented by Service records instead.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	IsSuperuser  bool

	// TokenVersion is a monotonic counter. Bumping it invalidates every
	// previously issued access token for this user at validation time.
	TokenVersion int

	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastFailedLoginAt   *time.Time
	LastLoginAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// LockRemaining returns the remaining lockout duration, zero if unlocked.
func (u *User) LockRemaining(now time.Time) time.Duration {
	if !u.Locked(now) {
		return 0
	}
	return u.LockedUntil.Sub(now)
}

// Service is a registered upstream or sibling service principal.
type Service struct {
	ID          string
	Code        string
	Name        string
	BaseURL     string
	SecretHash  string
	IsActive    bool
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
