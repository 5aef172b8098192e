package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/fieldcrypt"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/keylock"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/retry"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

const replayBatch = 50

// ConsentForgetter drops cached consent state of a user.
type ConsentForgetter interface {
	Forget(userID string)
}

// LifecycleService defines the interface for data export and erasure.
type LifecycleService interface {
	Export(ctx context.Context, userID string, meta models.ConsentContext) (*models.ExportBundle, error)
	// Erase deletes every record of the user and returns a receipt. Calling
	// it again returns the same receipt.
	Erase(ctx context.Context, userID string) (*models.ErasureReceipt, error)
	GetReceipt(ctx context.Context, id string) (*models.ErasureReceipt, error)
	// ReplayPending finishes erasures untouched for longer than olderThan.
	ReplayPending(ctx context.Context, olderThan time.Duration) (int, error)
}

type lifecycleService struct {
	repo        repository.LifecycleRepository
	analytics   AnalyticsService
	consent     ConsentForgetter
	publisher   ConsentPublisher
	audit       AuditService
	sealer      *fieldcrypt.Sealer
	locks       *keylock.Locker
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewLifecycleService creates a new lifecycle service.
func NewLifecycleService(
	repo repository.LifecycleRepository,
	analytics AnalyticsService,
	consent ConsentForgetter,
	publisher ConsentPublisher,
	audit AuditService,
	sealer *fieldcrypt.Sealer,
	locks *keylock.Locker,
	lockTimeout time.Duration,
	logger *slog.Logger,
) LifecycleService {
	return &lifecycleService{
		repo:        repo,
		analytics:   analytics,
		consent:     consent,
		publisher:   publisher,
		audit:       audit,
		sealer:      sealer,
		locks:       locks,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// acquire enters the per-user section within timeout. A timeout is reported
// as ErrLockTimeout; cancellation by the caller is returned as is.
func acquire(ctx context.Context, locks *keylock.Locker, userID string, timeout time.Duration, exclusive bool) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		release func()
		err     error
	)
	if exclusive {
		release, err = locks.Lock(lockCtx, keylock.UserKey(userID))
	} else {
		release, err = locks.RLock(lockCtx, keylock.UserKey(userID))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierrors.ErrLockTimeout
	}
	return release, nil
}

// Export assembles the bundle while appends of the user are held off.
func (s *lifecycleService) Export(ctx context.Context, userID string, meta models.ConsentContext) (*models.ExportBundle, error) {
	release, err := acquire(ctx, s.locks, userID, s.lockTimeout, true)
	if err != nil {
		metrics.Exports.WithLabelValues("lock_timeout").Inc()
		return nil, err
	}
	defer release()

	bundle, err := retry.Do(ctx, func() (*models.ExportBundle, error) {
		return s.repo.Export(ctx, userID, s.lockTimeout)
	})
	switch {
	case errors.Is(err, repository.ErrUserErased):
		metrics.Exports.WithLabelValues("erased").Inc()
		return nil, apierrors.ErrUserErased
	case errors.Is(err, repository.ErrUserNotFound):
		metrics.Exports.WithLabelValues("not_found").Inc()
		return nil, apierrors.NewNotFoundError("User")
	case errors.Is(err, repository.ErrLockTimeout):
		metrics.Exports.WithLabelValues("lock_timeout").Inc()
		return nil, apierrors.ErrLockTimeout
	case err != nil:
		metrics.Exports.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to export user data: %w", err)
	}

	for _, r := range bundle.Readings {
		openNote(s.sealer, s.logger, r)
	}
	metrics.Exports.WithLabelValues("completed").Inc()

	s.audit.Record(ctx, AuditEntry{
		UserID:       userID,
		Event:        models.AuditEventDataExported,
		ResourceType: models.ResourceTypeExport,
		Request:      meta,
		Metadata: map[string]any{
			"format_version": bundle.FormatVersion,
			"readings":       len(bundle.Readings),
			"alerts":         len(bundle.Alerts),
		},
	})

	s.logger.Info("user data exported", slog.String("user_id", userID))
	return bundle, nil
}

// Erase runs the intent log from the start. Every step tolerates having run
// before, so a failed call is retried by calling Erase again.
func (s *lifecycleService) Erase(ctx context.Context, userID string) (*models.ErasureReceipt, error) {
	if rc, err := s.repo.GetReceiptByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to get erasure receipt: %w", err)
	} else if rc != nil {
		metrics.Erasures.WithLabelValues("already_erased").Inc()
		return rc, nil
	}

	release, err := acquire(ctx, s.locks, userID, s.lockTimeout, true)
	if err != nil {
		metrics.Erasures.WithLabelValues("failed").Inc()
		return nil, err
	}
	defer release()

	// A concurrent call may have finished while we waited.
	if rc, err := s.repo.GetReceiptByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to get erasure receipt: %w", err)
	} else if rc != nil {
		metrics.Erasures.WithLabelValues("already_erased").Inc()
		return rc, nil
	}

	intent, err := s.repo.BeginIntent(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		metrics.Erasures.WithLabelValues("not_found").Inc()
		return nil, apierrors.NewNotFoundError("User")
	}
	if err != nil {
		metrics.Erasures.WithLabelValues("failed").Inc()
		s.logger.Error("failed to record erasure intent",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, apierrors.ErrErasurePartialFailure.WithDetails(map[string]string{"step": "intent"})
	}

	rc, err := s.run(ctx, intent)
	if err != nil {
		metrics.Erasures.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Erasures.WithLabelValues("completed").Inc()
	return rc, nil
}

// run applies every erasure step for intent. The caller holds the user section.
func (s *lifecycleService) run(ctx context.Context, intent *models.ErasureIntent) (*models.ErasureReceipt, error) {
	fail := func(step string, err error) error {
		reason := fmt.Sprintf("%s: %s", step, err.Error())
		if ferr := s.repo.FailIntent(context.WithoutCancel(ctx), intent.ID, reason); ferr != nil {
			s.logger.Warn("failed to record erasure failure",
				slog.String("intent_id", intent.ID),
				slog.String("error", ferr.Error()),
			)
		}
		s.logger.Error("erasure step failed",
			slog.String("user_id", intent.UserID),
			slog.String("intent_id", intent.ID),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		return apierrors.ErrErasurePartialFailure.WithDetails(map[string]string{
			"step":      step,
			"intent_id": intent.ID,
		})
	}

	deleted, err := s.repo.DeleteUserData(ctx, intent, s.lockTimeout)
	if err != nil {
		return nil, fail("delete_records", err)
	}

	if err := s.analytics.Purge(ctx, intent.UserID); err != nil {
		return nil, fail("purge_snapshots", err)
	}

	s.consent.Forget(intent.UserID)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, intent.UserID); err != nil {
			// Remote consent caches expire on their own and the tombstone
			// already refuses writes.
			s.logger.Warn("failed to publish consent change",
				slog.String("user_id", intent.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	rc, err := s.repo.CompleteIntent(ctx, intent.ID)
	if err != nil {
		return nil, fail("complete", err)
	}
	if rc == nil {
		return nil, fail("complete", errors.New("receipt missing after completion"))
	}

	attrs := []any{
		slog.String("user_id", intent.UserID),
		slog.String("receipt_id", rc.ID),
		slog.Int("attempts", intent.Attempts),
	}
	if deleted != nil {
		attrs = append(attrs, slog.Int64("readings_deleted", deleted.Readings))
	}
	s.logger.Info("user data erased", attrs...)
	return rc, nil
}

// GetReceipt returns a receipt by id.
func (s *lifecycleService) GetReceipt(ctx context.Context, id string) (*models.ErasureReceipt, error) {
	rc, err := s.repo.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get erasure receipt: %w", err)
	}
	if rc == nil {
		return nil, apierrors.NewNotFoundError("Erasure receipt")
	}
	return rc, nil
}

// ReplayPending is run by the scheduler for intents whose request died.
func (s *lifecycleService) ReplayPending(ctx context.Context, olderThan time.Duration) (int, error) {
	intents, err := s.repo.ListOpenIntents(ctx, time.Now().Add(-olderThan), replayBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list erasure intents: %w", err)
	}

	done := 0
	for _, intent := range intents {
		release, err := acquire(ctx, s.locks, intent.UserID, s.lockTimeout, true)
		if err != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			continue
		}
		_, err = s.run(ctx, intent)
		release()
		if err != nil {
			metrics.Erasures.WithLabelValues("failed").Inc()
			continue
		}
		metrics.Erasures.WithLabelValues("replayed").Inc()
		done++
	}
	return done, nil
}

// Compile-time check to ensure lifecycleService implements LifecycleService.
var _ LifecycleService = (*lifecycleService)(nil)
