package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/config"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/fieldcrypt"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/keylock"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/retry"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

const (
	maxNoteLength       = 500
	maxDedupTokenLength = 128
	mgdlPerMmol         = 18.0182
)

// AlertEvaluator runs the alert engine for an accepted reading.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, r *models.Reading) ([]*models.AlertEvent, error)
}

// SnapshotInvalidator drops derived analytics affected by a new reading.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, userID string, metric models.Metric, ts time.Time)
}

// ReadingService defines the interface for the health record store.
type ReadingService interface {
	Append(ctx context.Context, userID string, in models.NewReading) (*models.AppendResult, error)
	Supersede(ctx context.Context, userID string, seq int64, in models.NewReading) (*models.AppendResult, error)
	// Query streams matching readings in (timestamp, id) order. The sequence
	// is lazy and every range over it starts again from the beginning.
	Query(ctx context.Context, q models.ReadingQuery) iter.Seq2[*models.Reading, error]
	List(ctx context.Context, q models.ReadingQuery, limit int) ([]*models.Reading, error)
	Get(ctx context.Context, userID string, seq int64) (*models.Reading, error)
}

// ReadingServiceConfig holds the store's tunables.
type ReadingServiceConfig struct {
	Readings    config.ReadingsConfig
	LockTimeout time.Duration
}

type readingService struct {
	readingRepo repository.ReadingRepository
	consent     ConsentChecker
	alerts      AlertEvaluator
	snapshots   SnapshotInvalidator
	audit       AuditService
	sealer      *fieldcrypt.Sealer
	locks       *keylock.Locker
	cfg         ReadingServiceConfig
	now         func() time.Time
	logger      *slog.Logger
}

// NewReadingService creates a new reading service. sealer may be nil, in
// which case readings carrying a note are rejected.
func NewReadingService(
	readingRepo repository.ReadingRepository,
	consent ConsentChecker,
	alerts AlertEvaluator,
	snapshots SnapshotInvalidator,
	audit AuditService,
	sealer *fieldcrypt.Sealer,
	locks *keylock.Locker,
	cfg ReadingServiceConfig,
	logger *slog.Logger,
) ReadingService {
	if cfg.Readings.QueryPageSize <= 0 {
		cfg.Readings.QueryPageSize = 500
	}
	if cfg.Readings.MaxPageSize <= 0 {
		cfg.Readings.MaxPageSize = 1000
	}
	return &readingService{
		readingRepo: readingRepo,
		consent:     consent,
		alerts:      alerts,
		snapshots:   snapshots,
		audit:       audit,
		sealer:      sealer,
		locks:       locks,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// Append validates, stores and then fans out a new reading.
func (s *readingService) Append(ctx context.Context, userID string, in models.NewReading) (*models.AppendResult, error) {
	return s.append(ctx, userID, in, nil)
}

// Supersede stores a correction of reading seq. The original is kept.
func (s *readingService) Supersede(ctx context.Context, userID string, seq int64, in models.NewReading) (*models.AppendResult, error) {
	if err := s.consent.Require(ctx, userID); err != nil {
		return nil, err
	}

	original, err := s.readingRepo.Get(ctx, userID, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to get reading: %w", err)
	}
	if original == nil {
		return nil, apierrors.NewNotFoundError("Reading")
	}
	if in.Metric == "" {
		in.Metric = original.Metric
	}
	if in.Metric != original.Metric {
		return nil, apierrors.NewInvalidReadingError("metric", "a correction must keep the metric of the original reading")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = original.Timestamp
	}
	if in.Source == "" {
		in.Source = original.Source
	}

	return s.append(ctx, userID, in, &seq)
}

func (s *readingService) append(ctx context.Context, userID string, in models.NewReading, supersedes *int64) (*models.AppendResult, error) {
	// Consent is checked before validation. Neither writes.
	if err := s.consent.Require(ctx, userID); err != nil {
		return nil, err
	}

	reading, err := s.normalize(userID, in)
	if err != nil {
		return nil, err
	}
	reading.Supersedes = supersedes

	// Shared hold on the user section: appends run in parallel with each
	// other but not with an export or erasure of the same user.
	release, err := acquire(ctx, s.locks, userID, s.cfg.LockTimeout, false)
	if err != nil {
		return nil, err
	}
	defer release()

	policyVersion := s.consent.PolicyVersion()
	stored, created, err := s.readingRepo.Append(ctx, reading, policyVersion)
	switch {
	case errors.Is(err, repository.ErrUserErased):
		return nil, apierrors.ErrUserErased
	case errors.Is(err, repository.ErrConsentNotGranted):
		// The cached gate was behind the ledger.
		s.consent.Forget(userID)
		return nil, apierrors.ErrConsentRequired
	case errors.Is(err, repository.ErrStaleVersion):
		s.consent.Forget(userID)
		return nil, apierrors.NewStalePolicyError(policyVersion)
	case errors.Is(err, repository.ErrReadingNotFound):
		return nil, apierrors.NewNotFoundError("Reading")
	case errors.Is(err, repository.ErrAlreadySuperseded):
		return nil, apierrors.NewConflictError("Reading has already been corrected")
	case err != nil:
		return nil, fmt.Errorf("failed to append reading: %w", err)
	}
	s.openNote(stored)

	if created {
		metrics.ReadingsAppended.WithLabelValues(string(stored.Metric)).Inc()
		event := models.AuditEventReadingCreated
		if stored.IsCorrection() {
			event = models.AuditEventReadingSuperseded
		}
		s.audit.Record(ctx, AuditEntry{
			UserID:       userID,
			Event:        event,
			ResourceType: models.ResourceTypeReading,
			ResourceID:   fmt.Sprintf("%d", stored.Seq),
			Metadata:     map[string]any{"metric": stored.Metric, "source": stored.Source},
		})
	} else {
		metrics.ReadingsDeduplicated.Inc()
	}

	// Replays are evaluated again: if the first attempt stored the reading
	// but lost its evaluation, the retry closes the gap. An evaluation that
	// already fired is suppressed by the cool-down.
	alerts := s.evaluate(ctx, stored)
	if s.snapshots != nil && created {
		s.snapshots.Invalidate(ctx, userID, stored.Metric, stored.Timestamp)
	}

	return &models.AppendResult{Reading: stored, Created: created, Alerts: alerts}, nil
}

func (s *readingService) evaluate(ctx context.Context, r *models.Reading) []*models.AlertEvent {
	if s.alerts == nil {
		return nil
	}
	events, err := retry.Do(ctx, func() ([]*models.AlertEvent, error) {
		return s.alerts.Evaluate(ctx, r)
	})
	if err != nil {
		metrics.AlertEvaluationFailures.Inc()
		s.logger.Error("alert evaluation failed",
			slog.String("user_id", r.UserID),
			slog.Int64("reading_id", r.Seq),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return events
}

// normalize validates a submission and converts it to a storable reading.
// No I/O happens before this succeeds.
func (s *readingService) normalize(userID string, in models.NewReading) (*models.Reading, error) {
	reject := func(field, msg string) (*models.Reading, error) {
		metrics.ReadingsRejected.WithLabelValues(field).Inc()
		return nil, apierrors.NewInvalidReadingError(field, msg)
	}

	metric := in.Metric
	if metric == "" {
		metric = models.MetricGlucose
	}
	rng, ok := s.cfg.Readings.Ranges[string(metric)]
	if !ok {
		return reject("metric", fmt.Sprintf("unknown metric %q", metric))
	}

	value := in.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return reject("value", "value must be a finite number")
	}

	unit := strings.TrimSpace(in.Unit)
	switch {
	case unit == "" || strings.EqualFold(unit, rng.Unit):
		unit = rng.Unit
	case metric == models.MetricGlucose && strings.EqualFold(unit, "mmol/L"):
		value = math.Round(value*mgdlPerMmol*10) / 10
		unit = rng.Unit
	default:
		return reject("unit", fmt.Sprintf("unit %q is not accepted for %s", in.Unit, metric))
	}

	if value < rng.Min || value > rng.Max {
		return reject("value", fmt.Sprintf("%s must be between %g and %g %s", metric, rng.Min, rng.Max, rng.Unit))
	}

	if in.Timestamp.IsZero() {
		return reject("timestamp", "timestamp is required")
	}
	if in.Timestamp.After(s.now().Add(s.cfg.Readings.MaxFutureSkew)) {
		return reject("timestamp", "timestamp is in the future")
	}

	source := in.Source
	if source == "" {
		source = models.SourceManual
	}
	if !models.ValidSource(source) {
		return reject("source", fmt.Sprintf("unknown source %q", in.Source))
	}

	r := &models.Reading{
		UserID:    userID,
		Metric:    metric,
		Value:     value,
		Unit:      unit,
		Timestamp: in.Timestamp.UTC(),
		Source:    source,
	}

	if token := strings.TrimSpace(in.DedupToken); token != "" {
		if len(token) > maxDedupTokenLength {
			return reject("dedup_token", "dedup token is too long")
		}
		r.DedupToken = &token
	}

	if note := strings.TrimSpace(in.Note); note != "" {
		if len(note) > maxNoteLength {
			return reject("note", fmt.Sprintf("note must be at most %d characters", maxNoteLength))
		}
		if s.sealer == nil {
			return reject("note", "notes are not enabled")
		}
		sealed, err := s.sealer.Seal(userID, []byte(note))
		if err != nil {
			return nil, fmt.Errorf("failed to seal note: %w", err)
		}
		r.Note = note
		r.NoteSealed = sealed
	}

	return r, nil
}

// openNote decrypts the note in place. Unreadable notes are dropped.
func (s *readingService) openNote(r *models.Reading) {
	openNote(s.sealer, s.logger, r)
}

func openNote(sealer *fieldcrypt.Sealer, logger *slog.Logger, r *models.Reading) {
	if r == nil || len(r.NoteSealed) == 0 || r.Note != "" {
		return
	}
	if sealer == nil {
		return
	}
	plain, err := sealer.Open(r.UserID, r.NoteSealed)
	if err != nil {
		logger.Warn("failed to open reading note",
			slog.String("user_id", r.UserID),
			slog.Int64("reading_id", r.Seq),
		)
		return
	}
	r.Note = string(plain)
}

// Query checks consent when iteration starts, then pages lazily.
func (s *readingService) Query(ctx context.Context, q models.ReadingQuery) iter.Seq2[*models.Reading, error] {
	return func(yield func(*models.Reading, error) bool) {
		if err := s.consent.Require(ctx, q.UserID); err != nil {
			yield(nil, err)
			return
		}
		for r, err := range scanReadings(ctx, s.readingRepo, q, s.cfg.Readings.QueryPageSize) {
			if err == nil {
				s.openNote(r)
			}
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// List materializes up to limit readings.
func (s *readingService) List(ctx context.Context, q models.ReadingQuery, limit int) ([]*models.Reading, error) {
	if !q.Range.Valid() {
		return nil, apierrors.NewValidationError("to", "range end must be after range start")
	}
	if limit <= 0 || limit > s.cfg.Readings.MaxPageSize {
		limit = s.cfg.Readings.MaxPageSize
	}

	out := []*models.Reading{}
	for r, err := range s.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get returns a single reading.
func (s *readingService) Get(ctx context.Context, userID string, seq int64) (*models.Reading, error) {
	if err := s.consent.Require(ctx, userID); err != nil {
		return nil, err
	}
	r, err := retry.Do(ctx, func() (*models.Reading, error) {
		return s.readingRepo.Get(ctx, userID, seq)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get reading: %w", err)
	}
	if r == nil {
		return nil, apierrors.NewNotFoundError("Reading")
	}
	s.openNote(r)
	return r, nil
}

// scanReadings pages through a query with keyset pagination. Each page read
// is retried on transient errors.
func scanReadings(ctx context.Context, repo repository.ReadingRepository, q models.ReadingQuery, pageSize int) iter.Seq2[*models.Reading, error] {
	return func(yield func(*models.Reading, error) bool) {
		var cursor *models.ReadingCursor
		for {
			page, err := retry.Do(ctx, func() ([]*models.Reading, error) {
				return repo.Page(ctx, q, cursor, pageSize)
			})
			if err != nil {
				yield(nil, fmt.Errorf("failed to query readings: %w", err))
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &models.ReadingCursor{Timestamp: last.Timestamp, Seq: last.Seq}
		}
	}
}

// Compile-time check to ensure readingService implements ReadingService.
var _ ReadingService = (*readingService)(nil)
