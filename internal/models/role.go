package models

import "time"

// Role is a named set of permission codes. Users acquire permissions only
// through role membership.
type Role struct {
	ID          string
	Code        string
	Name        string
	Description string
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a grantable capability. Codes are three colon-separated
// segments: {service}:{resource}:{action}, e.g. "aegis:users:read".
// A segment may be the literal "*".
type Permission struct {
	ID          string
	Code        string
	Name        string
	Description string
	ServiceCode string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
