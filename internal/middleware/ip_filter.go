package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// BanCheckConfig controls the ban filter's behavior when the registry
// cannot be consulted.
type BanCheckConfig struct {
	// FailOpen lets traffic through when the ban lookup errors. With it
	// off, a registry outage turns into a full 503 at the edge.
	FailOpen bool
	IPConfig *pkghttp.IPConfig

	// Static lists, entries are plain IPs or CIDRs. Allowlisted addresses
	// skip the deny list and the ban registry entirely.
	Allowlist []string
	Denylist  []string
}

// BanFilter rejects requests from actively banned addresses before any
// other processing happens. Static lists are consulted first so an
// operator allowlist survives a registry outage.
func BanFilter(security *services.SecurityService, cfg BanCheckConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := pkghttp.ExtractClientIP(r, cfg.IPConfig)

			if matchesList(ip, cfg.Allowlist) {
				next.ServeHTTP(w, r)
				return
			}
			if matchesList(ip, cfg.Denylist) {
				logger.Info("rejected denylisted ip", slog.String("ip", ip))
				pkghttp.WriteForbidden(w, "access denied")
				return
			}

			ban, err := security.IsBanned(r.Context(), ip)
			if err != nil {
				if cfg.FailOpen {
					logger.Warn("ban check failed, allowing request",
						slog.String("ip", ip),
						slog.Any("error", err))
					next.ServeHTTP(w, r)
					return
				}
				pkghttp.WriteError(w, http.StatusServiceUnavailable, "unavailable", "service unavailable")
				return
			}

			if ban != nil {
				logger.Info("rejected banned ip",
					slog.String("ip", ip),
					slog.String("ban_type", ban.BanType))
				pkghttp.WriteForbidden(w, "access denied")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchesList reports whether an address appears in a list of IPs and
// CIDR ranges. Malformed entries are skipped.
func matchesList(ip string, list []string) bool {
	if len(list) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	for _, entry := range list {
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil && parsed != nil && ipNet.Contains(parsed) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}
