package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/mwhitford/aegis/internal/ratelimit"
	"github.com/mwhitford/aegis/internal/repositories"
)

// Retention windows for the append-only tables.
const (
	authEventRetention = 30 * 24 * time.Hour
	auditLogRetention  = 90 * 24 * time.Hour
	banRecordRetention = 90 * 24 * time.Hour
)

// CleanupManager periodically purges expired tokens, aged event rows and
// idle rate limiter keys.
type CleanupManager struct {
	refreshRepo *repositories.RefreshTokenRepository
	eventRepo   *repositories.AuthEventRepository
	auditRepo   *repositories.AuditLogRepository
	banRepo     *repositories.IPBanRepository
	limiters    []*ratelimit.Limiter
	logger      *slog.Logger
	interval    time.Duration
	stopCh      chan struct{}
}

func NewCleanupManager(
	refreshRepo *repositories.RefreshTokenRepository,
	eventRepo *repositories.AuthEventRepository,
	auditRepo *repositories.AuditLogRepository,
	banRepo *repositories.IPBanRepository,
	limiters []*ratelimit.Limiter,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		refreshRepo: refreshRepo,
		eventRepo:   eventRepo,
		auditRepo:   auditRepo,
		banRepo:     banRepo,
		limiters:    limiters,
		logger:      logger,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now().UTC()

	if n, err := cm.refreshRepo.DeleteExpired(cleanupCtx, now); err != nil {
		cm.logger.Error("failed to purge expired refresh tokens", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("purged expired refresh tokens", slog.Int("rows", n))
	}

	if n, err := cm.eventRepo.DeleteOlderThan(cleanupCtx, now.Add(-authEventRetention)); err != nil {
		cm.logger.Error("failed to purge auth events", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("purged aged auth events", slog.Int("rows", n))
	}

	if n, err := cm.auditRepo.DeleteOlderThan(cleanupCtx, now.Add(-auditLogRetention)); err != nil {
		cm.logger.Error("failed to purge audit logs", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("purged aged audit logs", slog.Int("rows", n))
	}

	if n, err := cm.banRepo.DeleteInactiveBefore(cleanupCtx, now.Add(-banRecordRetention)); err != nil {
		cm.logger.Error("failed to purge inactive bans", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("purged inactive ban records", slog.Int("rows", n))
	}

	swept := 0
	for _, l := range cm.limiters {
		swept += l.Sweep()
	}
	if swept > 0 {
		cm.logger.Debug("swept idle rate limiter keys", slog.Int("keys", swept))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
