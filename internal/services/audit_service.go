package services

import (
	"context"
	"log/slog"

	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/repositories"
)

// AuditStore persists gateway audit entries.
type AuditStore interface {
	Create(ctx context.Context, a *models.AuditLog) (*models.AuditLog, error)
	List(ctx context.Context, f repositories.ListFilter, limit, offset int) ([]*models.AuditLog, error)
}

// AuditService records gateway request verdicts. Writes are best effort;
// an audit insert failure is logged and never fails the request itself.
type AuditService struct {
	store  AuditStore
	logger *slog.Logger
}

func NewAuditService(store AuditStore, logger *slog.Logger) *AuditService {
	return &AuditService{store: store, logger: logger}
}

func (s *AuditService) Record(ctx context.Context, entry *models.AuditLog) {
	if _, err := s.store.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write audit log",
			slog.String("path", entry.Path),
			slog.Any("error", err))
	}
}

func (s *AuditService) List(ctx context.Context, f repositories.ListFilter, limit, offset int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, f, limit, offset)
}
