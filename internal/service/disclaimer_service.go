package service

import (
	"context"
	"log/slog"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/policy"
)

// DisclaimerService defines the interface for the chat disclaimer gate.
type DisclaimerService interface {
	// Wrap appends the current disclaimer to a chat response. It fails
	// closed: without disclaimer text nothing is returned.
	Wrap(ctx context.Context, userID string, response string) (*models.DisclaimedResponse, error)
}

type disclaimerService struct {
	registry *policy.Registry
	consent  ConsentChecker
	audit    AuditService
	logger   *slog.Logger
}

// NewDisclaimerService creates a new disclaimer gate.
func NewDisclaimerService(registry *policy.Registry, consent ConsentChecker, audit AuditService, logger *slog.Logger) DisclaimerService {
	return &disclaimerService{
		registry: registry,
		consent:  consent,
		audit:    audit,
		logger:   logger,
	}
}

// Wrap gates on consent, then attaches the disclaimer verbatim.
func (s *disclaimerService) Wrap(ctx context.Context, userID string, response string) (*models.DisclaimedResponse, error) {
	if err := s.consent.Require(ctx, userID); err != nil {
		metrics.ChatResponsesWrapped.WithLabelValues("consent_required").Inc()
		return nil, err
	}

	snap := s.registry.Current()
	if !snap.HasDisclaimer() {
		metrics.ChatResponsesWrapped.WithLabelValues("unavailable").Inc()
		s.logger.Error("chat response withheld: no disclaimer loaded", slog.String("user_id", userID))
		return nil, apierrors.ErrDisclaimerUnavailable
	}

	out := &models.DisclaimedResponse{
		Response:          response,
		Disclaimer:        snap.DisclaimerText,
		DisclaimerVersion: snap.DisclaimerVersion,
		Text:              response + "\n\n" + snap.DisclaimerText,
	}
	metrics.ChatResponsesWrapped.WithLabelValues("wrapped").Inc()

	s.audit.Record(ctx, AuditEntry{
		UserID:       userID,
		Event:        models.AuditEventChatDisclaimed,
		ResourceType: models.ResourceTypeChat,
		Metadata:     map[string]any{"disclaimer_version": snap.DisclaimerVersion},
	})
	return out, nil
}

// Compile-time check to ensure disclaimerService implements DisclaimerService.
var _ DisclaimerService = (*disclaimerService)(nil)
