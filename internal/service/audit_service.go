// Package service provides business logic implementations.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

// AuditEntry is what a service records about an action. It must never carry
// health values.
type AuditEntry struct {
	UserID       string
	Event        models.AuditEvent
	ActorType    models.ActorType
	ResourceType models.ResourceType
	ResourceID   string
	Request      models.ConsentContext
	Metadata     map[string]any
}

// AuditService defines the interface for the audit trail.
type AuditService interface {
	// Record stores an entry asynchronously; failures are logged.
	Record(ctx context.Context, entry AuditEntry)
	List(ctx context.Context, userID string, limit int) ([]*models.AuditLog, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
	logger    *slog.Logger
}

// NewAuditService creates a new audit service.
func NewAuditService(auditRepo repository.AuditRepository, logger *slog.Logger) AuditService {
	return &auditService{auditRepo: auditRepo, logger: logger}
}

// Record writes the entry in the background so the request is not blocked.
func (s *auditService) Record(ctx context.Context, entry AuditEntry) {
	log := &models.AuditLog{
		UserID:    entry.UserID,
		Event:     entry.Event,
		ActorType: entry.ActorType,
		IPAddress: entry.Request.IPAddress,
		UserAgent: entry.Request.UserAgent,
	}
	if log.ActorType == "" {
		log.ActorType = models.ActorTypeUser
	}
	if entry.ResourceType != "" {
		rt := entry.ResourceType
		log.ResourceType = &rt
	}
	if entry.ResourceID != "" {
		rid := entry.ResourceID
		log.ResourceID = &rid
	}
	if len(entry.Metadata) > 0 {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			log.Metadata = raw
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.auditRepo.Create(ctx, log); err != nil {
			s.logger.Warn("failed to write audit log",
				slog.String("event", string(log.Event)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// List returns the most recent audit entries of a user.
func (s *auditService) List(ctx context.Context, userID string, limit int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.auditRepo.List(ctx, models.AuditLogQuery{UserID: userID, Limit: limit})
}

// PurgeBefore applies the retention policy.
func (s *auditService) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.auditRepo.DeleteBefore(ctx, before)
}

// Compile-time check to ensure auditService implements AuditService.
var _ AuditService = (*auditService)(nil)
