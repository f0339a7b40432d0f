package models

import "time"

// RefreshToken is the server-side record of an issued refresh token. Only a
// one-way hash of the token bytes is stored; the raw secret never touches
// the database. Rotation links records into a chain via ReplacedByID.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	JTI        string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
	IP         string
	UserAgent  string
}

// Valid reports whether the record may still be rotated: not revoked and
// not past its expiry.
func (t *RefreshToken) Valid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt.After(now)
}
