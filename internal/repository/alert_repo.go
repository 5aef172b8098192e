package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// AlertTransition mutates state in place and returns the event to record, if any.
type AlertTransition func(state *models.AlertState) (*models.AlertEvent, error)

// AlertRepository defines the interface for alert state and event storage.
type AlertRepository interface {
	// Transition runs fn against the locked state of (userID, kind) and
	// persists the new state together with the returned event atomically.
	Transition(ctx context.Context, userID string, kind models.AlertKind, fn AlertTransition) (*models.AlertEvent, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]*models.AlertEvent, error)
	ListUndelivered(ctx context.Context, limit int) ([]*models.AlertEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

type alertRepo struct {
	pool *pgxpool.Pool
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(pool *pgxpool.Pool) AlertRepository {
	return &alertRepo{pool: pool}
}

const alertEventColumns = `id, user_id, kind, reading_seq, value, threshold, fired_at, suppressed_until, delivered_at`

func scanAlertEvent(row pgx.Row) (*models.AlertEvent, error) {
	var e models.AlertEvent
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Kind,
		&e.ReadingSeq,
		&e.Value,
		&e.Threshold,
		&e.FiredAt,
		&e.SuppressedUntil,
		&e.DeliveredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Transition locks the state row with SELECT ... FOR UPDATE for the duration of fn.
func (r *alertRepo) Transition(ctx context.Context, userID string, kind models.AlertKind, fn AlertTransition) (*models.AlertEvent, error) {
	var event *models.AlertEvent
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO alert_states (user_id, kind, state) VALUES ($1, $2, 'idle')
			ON CONFLICT (user_id, kind) DO NOTHING`, userID, kind); err != nil {
			return err
		}

		state := models.AlertState{UserID: userID, Kind: kind}
		if err := tx.QueryRow(ctx, `
			SELECT state, suppressed_until, last_fired_at, last_event_id, updated_at
			FROM alert_states WHERE user_id = $1 AND kind = $2
			FOR UPDATE`, userID, kind).Scan(
			&state.State,
			&state.SuppressedUntil,
			&state.LastFiredAt,
			&state.LastEventID,
			&state.UpdatedAt,
		); err != nil {
			return err
		}

		ev, err := fn(&state)
		if err != nil {
			return err
		}

		if ev != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO alert_events (id, user_id, kind, reading_seq, value, threshold, fired_at, suppressed_until)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				ev.ID, ev.UserID, ev.Kind, ev.ReadingSeq, ev.Value, ev.Threshold, ev.FiredAt, ev.SuppressedUntil,
			); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE alert_states
			SET state = $3, suppressed_until = $4, last_fired_at = $5, last_event_id = $6, updated_at = NOW()
			WHERE user_id = $1 AND kind = $2`,
			userID, kind, state.State, state.SuppressedUntil, state.LastFiredAt, state.LastEventID,
		); err != nil {
			return err
		}

		event = ev
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return event, nil
}

// ListEvents returns the most recent alert events of a user.
func (r *alertRepo) ListEvents(ctx context.Context, userID string, limit int) ([]*models.AlertEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+alertEventColumns+` FROM alert_events
		WHERE user_id = $1 ORDER BY fired_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectAlertEvents(rows)
}

// ListUndelivered returns the oldest events not yet handed to the transport.
func (r *alertRepo) ListUndelivered(ctx context.Context, limit int) ([]*models.AlertEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+alertEventColumns+` FROM alert_events
		WHERE delivered_at IS NULL ORDER BY fired_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectAlertEvents(rows)
}

// MarkDelivered records the delivery time. Events removed by an erasure are ignored.
func (r *alertRepo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE alert_events SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`, id, at)
	return err
}

func collectAlertEvents(rows pgx.Rows) ([]*models.AlertEvent, error) {
	defer rows.Close()

	events := []*models.AlertEvent{}
	for rows.Next() {
		e, err := scanAlertEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time check to ensure alertRepo implements AlertRepository.
var _ AlertRepository = (*alertRepo)(nil)
