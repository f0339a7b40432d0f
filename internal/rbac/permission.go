// Package rbac resolves principal permissions and evaluates wildcard
// permission codes.
package rbac

import "strings"

// Match reports whether a granted permission code satisfies a required one.
// Codes are colon-separated segments; a "*" segment in the granted code
// matches any single segment in the same position. Segment counts must be
// equal: "svc:*" does not satisfy "svc:users:read".
func Match(granted, required string) bool {
	if granted == required {
		return true
	}
	gp := strings.Split(granted, ":")
	rp := strings.Split(required, ":")
	if len(gp) != len(rp) {
		return false
	}
	for i := range gp {
		if gp[i] != "*" && gp[i] != rp[i] {
			return false
		}
	}
	return true
}

// ValidCode reports whether a permission code is well formed: at least two
// colon-separated segments, each either "*" or lowercase alphanumerics with
// underscores and dashes.
func ValidCode(code string) bool {
	parts := strings.Split(code, ":")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if p == "*" {
			continue
		}
		for _, c := range p {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' && c != '-' {
				return false
			}
		}
	}
	return true
}

// MatchAny reports whether any granted code satisfies the required one.
func MatchAny(granted []string, required string) bool {
	for _, g := range granted {
		if Match(g, required) {
			return true
		}
	}
	return false
}

// Satisfies evaluates a set of required codes against the granted set.
// Mode "all" demands every required code be matched, anything else is
// treated as "any". An empty required set is satisfied trivially.
func Satisfies(granted, required []string, mode string) bool {
	if len(required) == 0 {
		return true
	}
	if mode == "all" {
		for _, r := range required {
			if !MatchAny(granted, r) {
				return false
			}
		}
		return true
	}
	for _, r := range required {
		if MatchAny(granted, r) {
			return true
		}
	}
	return false
}
