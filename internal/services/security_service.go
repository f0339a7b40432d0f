package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwhitford/aegis/internal/config"
	"github.com/mwhitford/aegis/internal/models"
	pkglogger "github.com/mwhitford/aegis/pkg/logger"
)

// Threat types reported by the detector.
const (
	ThreatBruteForce         = "brute_force"
	ThreatCredentialStuffing = "credential_stuffing"
)

// AuthEventStore is the event log as the security service consumes it.
type AuthEventStore interface {
	Create(ctx context.Context, e *models.AuthEvent) (*models.AuthEvent, error)
	CountFailedLoginsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountDistinctPrincipalsByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// IPBanStore persists ban records.
type IPBanStore interface {
	Create(ctx context.Context, ban *models.IPBanRecord) (*models.IPBanRecord, error)
	GetActiveByIP(ctx context.Context, ip string) (*models.IPBanRecord, error)
	GetLatestByIP(ctx context.Context, ip string) (*models.IPBanRecord, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.IPBanRecord, error)
	Count(ctx context.Context, activeOnly bool) (int, error)
	Unban(ctx context.Context, ip, actor, reason string, at time.Time) (bool, error)
}

// ThreatAssessment is the detector's verdict for one address.
type ThreatAssessment struct {
	Type      string
	Count     int
	Threshold int
	Window    time.Duration
}

// SecurityService hosts the threat detector and the ban registry.
type SecurityService struct {
	events      AuthEventStore
	bans        IPBanStore
	cfg         config.SecurityConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger

	now func() time.Time
}

func NewSecurityService(events AuthEventStore, bans IPBanStore, cfg config.SecurityConfig, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *SecurityService {
	return &SecurityService{
		events:      events,
		bans:        bans,
		cfg:         cfg,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// DetectThreat examines recent auth events from one address. Brute force is
// checked first and short-circuits the credential stuffing check. Returns
// nil when no threshold is crossed.
func (s *SecurityService) DetectThreat(ctx context.Context, ip string) (*ThreatAssessment, error) {
	now := s.now()

	failed, err := s.events.CountFailedLoginsByIP(ctx, ip, now.Add(-s.cfg.BruteForceWindow))
	if err != nil {
		return nil, fmt.Errorf("count failed logins: %w", err)
	}
	if failed >= s.cfg.BruteForceThreshold {
		return &ThreatAssessment{
			Type:      ThreatBruteForce,
			Count:     failed,
			Threshold: s.cfg.BruteForceThreshold,
			Window:    s.cfg.BruteForceWindow,
		}, nil
	}

	distinct, err := s.events.CountDistinctPrincipalsByIP(ctx, ip, now.Add(-s.cfg.StuffingWindow))
	if err != nil {
		return nil, fmt.Errorf("count distinct principals: %w", err)
	}
	if distinct >= s.cfg.StuffingThreshold {
		return &ThreatAssessment{
			Type:      ThreatCredentialStuffing,
			Count:     distinct,
			Threshold: s.cfg.StuffingThreshold,
			Window:    s.cfg.StuffingWindow,
		}, nil
	}

	return nil, nil
}

// CheckAndRespond runs detection for an address and places an automatic ban
// when a threat is found. An address that already holds an active ban is
// left alone. Errors here never propagate to the login path; a failed
// detection pass must not turn into a failed login response.
func (s *SecurityService) CheckAndRespond(ctx context.Context, ip string) {
	if !s.cfg.AutoBanEnabled {
		return
	}

	threat, err := s.DetectThreat(ctx, ip)
	if err != nil {
		s.logger.Error("threat detection failed",
			slog.String("ip", ip),
			slog.Any("error", err))
		return
	}
	if threat == nil {
		return
	}

	if _, err := s.bans.GetActiveByIP(ctx, ip); err == nil {
		return // already banned
	} else if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("ban lookup failed during auto-ban",
			slog.String("ip", ip),
			slog.Any("error", err))
		return
	}

	banType := models.BanTypeBruteForce
	if threat.Type == ThreatCredentialStuffing {
		banType = models.BanTypeCredentialStuffing
	}

	now := s.now()
	expires := now.Add(s.cfg.AutoBanDuration)
	_, err = s.bans.Create(ctx, &models.IPBanRecord{
		IP:        ip,
		Reason:    fmt.Sprintf("%s: %d events in %s (threshold %d)", threat.Type, threat.Count, threat.Window, threat.Threshold),
		BanType:   banType,
		BannedAt:  now,
		ExpiresAt: &expires,
	})
	if err != nil {
		// A concurrent auto-ban losing the unique index race is fine.
		if !errors.Is(err, models.ErrConflict) {
			s.logger.Error("auto-ban insert failed",
				slog.String("ip", ip),
				slog.Any("error", err))
		}
		return
	}

	s.logger.Warn("auto-banned ip",
		slog.String("ip", ip),
		slog.String("threat", threat.Type),
		slog.Int("count", threat.Count))
	s.auditLogger.LogSecurityAction(models.EventIPAutoBanned, ip, "system", map[string]string{
		"threat_type": threat.Type,
	})

	_, err = s.events.Create(ctx, &models.AuthEvent{
		EventType:     models.EventIPAutoBanned,
		PrincipalType: "system",
		IP:            ip,
		Result:        models.ResultSuccess,
		Details:       map[string]any{"threat_type": threat.Type, "count": threat.Count},
	})
	if err != nil {
		s.logger.Error("failed to record auto-ban event", slog.Any("error", err))
	}
}

// IsBanned reports whether an address currently holds an active ban.
func (s *SecurityService) IsBanned(ctx context.Context, ip string) (*models.IPBanRecord, error) {
	ban, err := s.bans.GetActiveByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ban, nil
}

// BanParams describes a manual ban request.
type BanParams struct {
	IP       string
	Reason   string
	Duration time.Duration // zero means permanent
	Actor    string
}

// Ban places a manual ban. A second ban on an already banned address
// returns models.ErrBanActive so operators see the existing record instead
// of silently stacking a new one.
func (s *SecurityService) Ban(ctx context.Context, p BanParams) (*models.IPBanRecord, error) {
	if existing, err := s.bans.GetActiveByIP(ctx, p.IP); err == nil {
		return existing, &models.BanActiveError{IP: p.IP, Reason: existing.Reason}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInternalServer
	}

	now := s.now()
	ban := &models.IPBanRecord{
		IP:       p.IP,
		Reason:   p.Reason,
		BanType:  models.BanTypeManual,
		BannedAt: now,
	}
	if p.Duration > 0 {
		expires := now.Add(p.Duration)
		ban.ExpiresAt = &expires
	}
	if p.Actor != "" {
		ban.CreatedBy = &p.Actor
	}

	created, err := s.bans.Create(ctx, ban)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrBanConflict
		}
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogSecurityAction(models.EventIPManualBanned, p.IP, p.Actor, map[string]string{
		"reason": p.Reason,
	})
	return created, nil
}

// Unban lifts the active ban for an address. Lifting succeeds exactly once:
// repeating the call returns models.ErrUnbanConflict and leaves the
// historical record untouched. An address with no ban history at all
// returns models.ErrNotFound.
func (s *SecurityService) Unban(ctx context.Context, ip, actor, reason string) error {
	lifted, err := s.bans.Unban(ctx, ip, actor, reason, s.now())
	if err != nil {
		return models.ErrInternalServer
	}
	if !lifted {
		if _, lerr := s.bans.GetLatestByIP(ctx, ip); lerr != nil {
			if errors.Is(lerr, models.ErrNotFound) {
				return models.ErrNotFound
			}
			return models.ErrInternalServer
		}
		// A record exists but is no longer liftable: already unbanned or
		// expired on its own.
		return models.ErrUnbanConflict
	}

	s.auditLogger.LogSecurityAction(models.EventIPUnbanned, ip, actor, map[string]string{
		"reason": reason,
	})

	_, err = s.events.Create(ctx, &models.AuthEvent{
		EventType:     models.EventIPUnbanned,
		PrincipalType: "system",
		IP:            ip,
		Result:        models.ResultSuccess,
		Details:       map[string]any{"actor": actor, "reason": reason},
	})
	if err != nil {
		s.logger.Error("failed to record unban event", slog.Any("error", err))
	}
	return nil
}

// ListBans pages through ban records.
func (s *SecurityService) ListBans(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.IPBanRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.bans.List(ctx, activeOnly, limit, offset)
}

// SecurityStats summarizes the ban registry for the operator dashboard.
type SecurityStats struct {
	ActiveBans int
	TotalBans  int
}

func (s *SecurityService) Stats(ctx context.Context) (*SecurityStats, error) {
	active, err := s.bans.Count(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("count active bans: %w", err)
	}
	total, err := s.bans.Count(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("count bans: %w", err)
	}
	return &SecurityStats{ActiveBans: active, TotalBans: total}, nil
}

// Config returns the effective security configuration. Callers get a copy;
// the service's knobs are fixed at construction.
func (s *SecurityService) Config() config.SecurityConfig {
	return s.cfg
}
