package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/retry"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/policy"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

const consentCacheTTL = 30 * time.Second

// ConsentPublisher announces consent changes to other instances.
type ConsentPublisher interface {
	Publish(ctx context.Context, userID string) error
}

// ConsentChecker is the gate every consent-bound component depends on.
type ConsentChecker interface {
	Check(ctx context.Context, userID string) (models.ConsentStatus, error)
	// Require returns nil only for granted consent to the current policy.
	Require(ctx context.Context, userID string) error
	// PolicyVersion is the policy version consent must be held for.
	PolicyVersion() int
	// Forget drops the local cache entry of userID.
	Forget(userID string)
}

// ConsentService defines the interface for the consent ledger.
type ConsentService interface {
	ConsentChecker
	Get(ctx context.Context, userID string) (*models.Consent, error)
	Grant(ctx context.Context, userID string, policyVersion int, meta models.ConsentContext) (*models.Consent, error)
	Revoke(ctx context.Context, userID string, meta models.ConsentContext) (*models.Consent, error)
}

type consentEntry struct {
	consent *models.Consent
	erased  bool
}

type consentService struct {
	consentRepo repository.ConsentRepository
	registry    *policy.Registry
	audit       AuditService
	publisher   ConsentPublisher
	cache       *gocache.Cache
	logger      *slog.Logger

	// fillMu orders cache fills against Forget. epoch counts Forget calls; a
	// fill is stored only if no Forget ran while it read the store.
	fillMu sync.Mutex
	epoch  uint64
}

// NewConsentService creates a new consent service. publisher may be nil for
// single instance deployments.
func NewConsentService(
	consentRepo repository.ConsentRepository,
	registry *policy.Registry,
	audit AuditService,
	publisher ConsentPublisher,
	logger *slog.Logger,
) ConsentService {
	return &consentService{
		consentRepo: consentRepo,
		registry:    registry,
		audit:       audit,
		publisher:   publisher,
		cache:       gocache.New(consentCacheTTL, 10*time.Minute),
		logger:      logger,
	}
}

func (s *consentService) lookup(ctx context.Context, userID string) (consentEntry, error) {
	if v, ok := s.cache.Get(userID); ok {
		metrics.ConsentChecks.WithLabelValues("hit").Inc()
		return v.(consentEntry), nil
	}
	metrics.ConsentChecks.WithLabelValues("miss").Inc()

	s.fillMu.Lock()
	epoch := s.epoch
	s.fillMu.Unlock()

	entry, err := retry.Do(ctx, func() (consentEntry, error) {
		c, erased, err := s.consentRepo.Get(ctx, userID)
		return consentEntry{consent: c, erased: erased}, err
	})
	if err != nil {
		return consentEntry{}, fmt.Errorf("failed to load consent: %w", err)
	}

	s.fillMu.Lock()
	if s.epoch == epoch {
		s.cache.SetDefault(userID, entry)
	}
	s.fillMu.Unlock()
	return entry, nil
}

// Get returns the consent record; users who never consented are pending.
func (s *consentService) Get(ctx context.Context, userID string) (*models.Consent, error) {
	entry, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry.erased {
		return nil, apierrors.ErrUserErased
	}
	if entry.consent == nil {
		return models.PendingConsent(userID), nil
	}
	c := *entry.consent
	return &c, nil
}

// Check returns the consent status without side effects.
func (s *consentService) Check(ctx context.Context, userID string) (models.ConsentStatus, error) {
	c, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// Require gates consent-bound operations.
func (s *consentService) Require(ctx context.Context, userID string) error {
	c, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if c.Status != models.ConsentGranted {
		return apierrors.ErrConsentRequired
	}
	if current := s.registry.Current().PolicyVersion; c.PolicyVersion < current {
		return apierrors.NewStalePolicyError(current)
	}
	return nil
}

// Grant records consent to the current policy version.
func (s *consentService) Grant(ctx context.Context, userID string, policyVersion int, meta models.ConsentContext) (*models.Consent, error) {
	current := s.registry.Current().PolicyVersion
	if policyVersion < current {
		return nil, apierrors.NewStalePolicyError(current)
	}
	if policyVersion > current {
		return nil, apierrors.NewValidationError("policy_version", fmt.Sprintf("unknown policy version %d", policyVersion))
	}

	c, err := s.consentRepo.Grant(ctx, userID, policyVersion, meta)
	switch {
	case errors.Is(err, repository.ErrStaleVersion):
		return nil, apierrors.NewStalePolicyError(current)
	case errors.Is(err, repository.ErrUserErased):
		return nil, apierrors.ErrUserErased
	case err != nil:
		return nil, fmt.Errorf("failed to grant consent: %w", err)
	}

	s.changed(ctx, userID)
	s.audit.Record(ctx, AuditEntry{
		UserID:       userID,
		Event:        models.AuditEventConsentGranted,
		ResourceType: models.ResourceTypeConsent,
		Request:      meta,
		Metadata:     map[string]any{"policy_version": policyVersion},
	})

	s.logger.Info("consent granted",
		slog.String("user_id", userID),
		slog.Int("policy_version", policyVersion),
	)
	return c, nil
}

// Revoke withdraws consent. Data is kept; new writes are refused.
func (s *consentService) Revoke(ctx context.Context, userID string, meta models.ConsentContext) (*models.Consent, error) {
	c, changed, err := s.consentRepo.Revoke(ctx, userID, meta)
	switch {
	case errors.Is(err, repository.ErrUserErased):
		return nil, apierrors.ErrUserErased
	case err != nil:
		return nil, fmt.Errorf("failed to revoke consent: %w", err)
	}
	if c == nil {
		return models.PendingConsent(userID), nil
	}
	if !changed {
		return c, nil
	}

	s.changed(ctx, userID)
	s.audit.Record(ctx, AuditEntry{
		UserID:       userID,
		Event:        models.AuditEventConsentRevoked,
		ResourceType: models.ResourceTypeConsent,
		Request:      meta,
		Metadata:     map[string]any{"policy_version": c.PolicyVersion},
	})

	s.logger.Info("consent revoked", slog.String("user_id", userID))
	return c, nil
}

// PolicyVersion returns the current policy version.
func (s *consentService) PolicyVersion() int {
	return s.registry.Current().PolicyVersion
}

// Forget drops the cached entry of userID and invalidates fills that are
// still reading the store.
func (s *consentService) Forget(userID string) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.epoch++
	s.cache.Delete(userID)
}

func (s *consentService) changed(ctx context.Context, userID string) {
	s.Forget(userID)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, userID); err != nil {
		// Other instances converge once their entry expires.
		s.logger.Warn("failed to publish consent change",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time check to ensure consentService implements ConsentService.
var _ ConsentService = (*consentService)(nil)
