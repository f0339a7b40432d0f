package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Token errors
	ErrTokenExpired  = errors.New("token has expired")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenStale    = errors.New("token has been revoked")
	ErrTokenNotFound = errors.New("refresh token not found")

	// Login pipeline errors
	ErrRateLimited       = errors.New("too many requests")
	ErrAccountLocked     = errors.New("account is temporarily locked")
	ErrCredentialInvalid = errors.New("invalid username or password")
	ErrAccountDisabled   = errors.New("account is disabled")

	// Ban errors
	ErrBanActive     = errors.New("ip address is banned")
	ErrBanConflict   = errors.New("an active ban already exists for this ip")
	ErrUnbanConflict = errors.New("ban has already been lifted")
)

// RateLimitedError carries retry guidance for a rejected request.
type RateLimitedError struct {
	Limit        int
	ResetSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many requests, retry in %d seconds", e.ResetSeconds)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// AccountLockedError reports how long a locked account stays locked.
type AccountLockedError struct {
	RemainingSeconds int
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry in %d seconds", e.RemainingSeconds)
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// BanActiveError reports an active ban hit on the request path.
type BanActiveError struct {
	IP     string
	Reason string
}

func (e *BanActiveError) Error() string {
	return fmt.Sprintf("ip %s is banned: %s", e.IP, e.Reason)
}

func (e *BanActiveError) Unwrap() error { return ErrBanActive }
