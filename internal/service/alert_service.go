package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/config"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/keylock"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/ulid"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

const reminderScanBatch = 200

// AlertRule is a threshold on one metric.
type AlertRule struct {
	Kind      models.AlertKind
	Metric    models.Metric
	Threshold float64
	Below     bool
	CoolDown  time.Duration
}

// Crosses reports whether v is on the alerting side of the threshold.
// The threshold value itself counts as crossing.
func (r AlertRule) Crosses(v float64) bool {
	if r.Below {
		return v <= r.Threshold
	}
	return v >= r.Threshold
}

// RulesFromConfig builds the glucose rules from configuration.
func RulesFromConfig(cfg config.AlertsConfig) []AlertRule {
	build := func(kind models.AlertKind, t config.ThresholdConfig) AlertRule {
		metric := models.Metric(t.Metric)
		if metric == "" {
			metric = models.MetricGlucose
		}
		return AlertRule{
			Kind:      kind,
			Metric:    metric,
			Threshold: t.Value,
			Below:     t.Direction == "below",
			CoolDown:  t.CoolDown,
		}
	}
	return []AlertRule{
		build(models.AlertHighGlucose, cfg.HighGlucose),
		build(models.AlertLowGlucose, cfg.LowGlucose),
	}
}

// AlertService defines the interface for the alert engine.
type AlertService interface {
	AlertEvaluator
	// Remind evaluates reminder_due for a user with no recent glucose reading.
	Remind(ctx context.Context, userID string, now time.Time) (*models.AlertEvent, error)
	// ScanReminders runs Remind for every consenting user whose last glucose
	// reading is older than the reminder interval.
	ScanReminders(ctx context.Context, now time.Time) (int, error)
	List(ctx context.Context, userID string, limit int) ([]*models.AlertEvent, error)
	// OnFire registers a callback run after an event is durably recorded.
	OnFire(fn func())
}

type alertService struct {
	alertRepo        repository.AlertRepository
	readingRepo      repository.ReadingRepository
	consent          ConsentChecker
	locks            *keylock.Locker
	rules            []AlertRule
	reminderInterval time.Duration
	reminderCoolDown time.Duration
	notify           func()
	logger           *slog.Logger
}

// NewAlertService creates a new alert engine.
func NewAlertService(
	alertRepo repository.AlertRepository,
	readingRepo repository.ReadingRepository,
	consent ConsentChecker,
	locks *keylock.Locker,
	cfg config.AlertsConfig,
	logger *slog.Logger,
) AlertService {
	coolDown := cfg.ReminderCoolDown
	if coolDown <= 0 {
		coolDown = cfg.ReminderInterval
	}
	return &alertService{
		alertRepo:        alertRepo,
		readingRepo:      readingRepo,
		consent:          consent,
		locks:            locks,
		rules:            RulesFromConfig(cfg),
		reminderInterval: cfg.ReminderInterval,
		reminderCoolDown: coolDown,
		logger:           logger,
	}
}

// OnFire lets the notify dispatcher wake up early.
func (s *alertService) OnFire(fn func()) {
	s.notify = fn
}

// step advances the state machine for one input at reference time at.
func step(state *models.AlertState, crossing bool, at time.Time, coolDown time.Duration) models.AlertOutcome {
	if state.State == models.AlertCooling && state.SuppressedUntil != nil && !at.Before(*state.SuppressedUntil) {
		state.State = models.AlertIdle
		state.SuppressedUntil = nil
	}

	if !crossing {
		if state.State == models.AlertIdle {
			state.State = models.AlertArmed
			return models.OutcomeArmed
		}
		return models.OutcomeNone
	}

	if state.State == models.AlertCooling {
		return models.OutcomeSuppressed
	}

	until := at.Add(coolDown)
	firedAt := at
	state.State = models.AlertCooling
	state.SuppressedUntil = &until
	state.LastFiredAt = &firedAt
	return models.OutcomeFired
}

// referenceTime keeps evaluation monotonic per (user, kind) so back-filled
// inputs cannot open a window that overlaps an earlier one.
func referenceTime(state *models.AlertState, ts time.Time) time.Time {
	if state.LastFiredAt != nil && state.LastFiredAt.After(ts) {
		return *state.LastFiredAt
	}
	return ts
}

// Evaluate runs every rule for the reading's metric.
func (s *alertService) Evaluate(ctx context.Context, r *models.Reading) ([]*models.AlertEvent, error) {
	var fired []*models.AlertEvent
	for _, rule := range s.rules {
		if rule.Metric != r.Metric {
			continue
		}
		value := r.Value
		seq := r.Seq
		threshold := rule.Threshold
		ev, err := s.transition(ctx, r.UserID, rule.Kind, func(state *models.AlertState) (models.AlertOutcome, *models.AlertEvent) {
			at := referenceTime(state, r.Timestamp)
			outcome := step(state, rule.Crosses(value), at, rule.CoolDown)
			if outcome != models.OutcomeFired {
				return outcome, nil
			}
			return outcome, &models.AlertEvent{
				UserID:     r.UserID,
				Kind:       rule.Kind,
				ReadingSeq: &seq,
				Value:      &value,
				Threshold:  &threshold,
			}
		})
		if err != nil {
			return nil, err
		}
		if ev != nil {
			fired = append(fired, ev)
		}
	}
	return fired, nil
}

// decision applies one input to a locked state. A fired outcome comes with a
// partial event; its id and window are filled in by transition.
type decision func(state *models.AlertState) (models.AlertOutcome, *models.AlertEvent)

// transition serializes evaluation in process, then lets the repository take
// the row lock.
func (s *alertService) transition(ctx context.Context, userID string, kind models.AlertKind, decide decision) (*models.AlertEvent, error) {
	release, err := s.locks.Lock(ctx, keylock.AlertKey(userID, string(kind)))
	if err != nil {
		return nil, err
	}
	defer release()

	var outcome models.AlertOutcome
	ev, err := s.alertRepo.Transition(ctx, userID, kind, func(state *models.AlertState) (*models.AlertEvent, error) {
		var ev *models.AlertEvent
		outcome, ev = decide(state)
		if ev == nil {
			return nil, nil
		}
		ev.ID = ulid.New()
		ev.FiredAt = *state.LastFiredAt
		ev.SuppressedUntil = *state.SuppressedUntil
		state.LastEventID = &ev.ID
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s alert: %w", kind, err)
	}

	switch {
	case ev != nil:
		metrics.AlertsFired.WithLabelValues(string(kind)).Inc()
		s.logger.Info("alert fired",
			slog.String("user_id", userID),
			slog.String("kind", string(kind)),
			slog.String("alert_id", ev.ID),
		)
		if s.notify != nil {
			s.notify()
		}
	case outcome == models.OutcomeSuppressed:
		metrics.AlertsSuppressed.WithLabelValues(string(kind)).Inc()
	}
	return ev, nil
}

// Remind fires reminder_due unless a reminder is still cooling down.
func (s *alertService) Remind(ctx context.Context, userID string, now time.Time) (*models.AlertEvent, error) {
	if err := s.consent.Require(ctx, userID); err != nil {
		return nil, err
	}
	return s.transition(ctx, userID, models.AlertReminderDue, func(state *models.AlertState) (models.AlertOutcome, *models.AlertEvent) {
		outcome := step(state, true, referenceTime(state, now), s.reminderCoolDown)
		if outcome != models.OutcomeFired {
			return outcome, nil
		}
		return outcome, &models.AlertEvent{UserID: userID, Kind: models.AlertReminderDue}
	})
}

// ScanReminders walks stale users in pages and reminds each of them.
func (s *alertService) ScanReminders(ctx context.Context, now time.Time) (int, error) {
	if s.reminderInterval <= 0 {
		return 0, nil
	}
	since := now.Add(-s.reminderInterval)

	fired := 0
	after := ""
	for {
		users, err := s.readingRepo.ListStale(ctx, models.MetricGlucose, since, after, reminderScanBatch)
		if err != nil {
			return fired, fmt.Errorf("failed to list stale users: %w", err)
		}
		for _, userID := range users {
			ev, err := s.Remind(ctx, userID, now)
			if err != nil {
				s.logger.Warn("reminder skipped",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ev != nil {
				fired++
			}
		}
		if len(users) < reminderScanBatch {
			return fired, nil
		}
		after = users[len(users)-1]
	}
}

// List returns the user's alert events, newest first.
func (s *alertService) List(ctx context.Context, userID string, limit int) ([]*models.AlertEvent, error) {
	if err := s.consent.Require(ctx, userID); err != nil {
		return nil, err
	}
	events, err := s.alertRepo.ListEvents(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return events, nil
}

// Compile-time check to ensure alertService implements AlertService.
var _ AlertService = (*alertService)(nil)
