package models

import "time"

// Ban types. Auto bans are created by the threat detector, manual bans by
// an operator.
const (
	BanTypeManual             = "manual"
	BanTypeBruteForce         = "auto_brute_force"
	BanTypeCredentialStuffing = "auto_credential_stuffing"
)

// IPBanRecord stores one ban of a source address. At most one record per IP
// may be active at a time; the repository enforces that with a partial
// unique index.
type IPBanRecord struct {
	ID       string
	IP       string
	Reason   string
	BanType  string
	BannedAt time.Time

	// ExpiresAt nil means a permanent ban.
	ExpiresAt *time.Time

	// CreatedBy nil means the ban was placed by the system.
	CreatedBy *string

	UnbannedAt  *time.Time
	UnbannedBy  *string
	UnbanReason string
}

// Active reports whether the ban is currently in force: not lifted and not
// past a finite expiry.
func (b *IPBanRecord) Active(now time.Time) bool {
	if b.UnbannedAt != nil {
		return false
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Permanent reports whether the ban has no expiry.
func (b *IPBanRecord) Permanent() bool {
	return b.ExpiresAt == nil
}

// RemainingSeconds returns the seconds left on the ban: nil for permanent
// bans, 0 for inactive records.
func (b *IPBanRecord) RemainingSeconds(now time.Time) *int {
	zero := 0
	if !b.Active(now) {
		return &zero
	}
	if b.ExpiresAt == nil {
		return nil
	}
	remaining := int(b.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
