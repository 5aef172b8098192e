package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// ConsentRepository defines the interface for consent ledger storage.
type ConsentRepository interface {
	// Get returns the consent record, nil if the user never consented. The
	// bool is true when the user has been erased.
	Get(ctx context.Context, userID string) (*models.Consent, bool, error)
	// Grant records consent to version. It creates the user on first grant and
	// fails with ErrStaleVersion if a higher version is already held.
	Grant(ctx context.Context, userID string, version int, meta models.ConsentContext) (*models.Consent, error)
	// Revoke marks granted consent revoked. It returns the record unchanged,
	// and false, when there was nothing to revoke.
	Revoke(ctx context.Context, userID string, meta models.ConsentContext) (*models.Consent, bool, error)
	ListEvents(ctx context.Context, userID string) ([]*models.ConsentEvent, error)
	// ListGranted pages through users with granted consent, ordered by id.
	ListGranted(ctx context.Context, afterUserID string, limit int) ([]string, error)
}

type consentRepo struct {
	pool *pgxpool.Pool
}

// NewConsentRepository creates a new consent repository.
func NewConsentRepository(pool *pgxpool.Pool) ConsentRepository {
	return &consentRepo{pool: pool}
}

const consentColumns = `user_id, policy_version, status, granted_at, revoked_at, updated_at`

func scanConsent(row pgx.Row) (*models.Consent, error) {
	var c models.Consent
	err := row.Scan(&c.UserID, &c.PolicyVersion, &c.Status, &c.GrantedAt, &c.RevokedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get retrieves the consent record of a user.
func (r *consentRepo) Get(ctx context.Context, userID string) (*models.Consent, bool, error) {
	erased, err := isTombstoned(ctx, r.pool, userID)
	if err != nil || erased {
		return nil, erased, err
	}

	c, err := scanConsent(r.pool.QueryRow(ctx,
		`SELECT `+consentColumns+` FROM consents WHERE user_id = $1`, userID))
	return c, false, err
}

// Grant upserts a granted consent and appends a history event in one transaction.
func (r *consentRepo) Grant(ctx context.Context, userID string, version int, meta models.ConsentContext) (*models.Consent, error) {
	var out *models.Consent
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockUserShared(ctx, tx, userID, true); err != nil {
			return err
		}

		now := time.Now().UTC()
		c, err := scanConsent(tx.QueryRow(ctx, `
			INSERT INTO consents (user_id, policy_version, status, granted_at, revoked_at, updated_at)
			VALUES ($1, $2, 'granted', $3, NULL, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				policy_version = EXCLUDED.policy_version,
				status = 'granted',
				granted_at = CASE
					WHEN consents.status = 'granted' AND consents.policy_version = EXCLUDED.policy_version
					THEN consents.granted_at ELSE EXCLUDED.granted_at END,
				revoked_at = NULL,
				updated_at = EXCLUDED.updated_at
			WHERE consents.policy_version <= EXCLUDED.policy_version
			RETURNING `+consentColumns, userID, version, now))
		if err != nil {
			return err
		}
		if c == nil {
			return ErrStaleVersion
		}

		if err := insertConsentEvent(ctx, tx, userID, models.ConsentActionGranted, version, meta); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Revoke marks consent revoked. Revoking twice is a no-op.
func (r *consentRepo) Revoke(ctx context.Context, userID string, meta models.ConsentContext) (*models.Consent, bool, error) {
	var (
		out     *models.Consent
		changed bool
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockUserShared(ctx, tx, userID, false); err != nil {
			return err
		}

		c, err := scanConsent(tx.QueryRow(ctx, `
			UPDATE consents SET status = 'revoked', revoked_at = NOW(), updated_at = NOW()
			WHERE user_id = $1 AND status = 'granted'
			RETURNING `+consentColumns, userID))
		if err != nil {
			return err
		}
		if c == nil {
			out, err = scanConsent(tx.QueryRow(ctx,
				`SELECT `+consentColumns+` FROM consents WHERE user_id = $1`, userID))
			return err
		}

		changed = true
		out = c
		return insertConsentEvent(ctx, tx, userID, models.ConsentActionRevoked, c.PolicyVersion, meta)
	})
	if errors.Is(err, errNoUser) {
		// A user that never consented has nothing to revoke.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return out, changed, nil
}

// ListEvents returns the consent history of a user, oldest first.
func (r *consentRepo) ListEvents(ctx context.Context, userID string) ([]*models.ConsentEvent, error) {
	return listConsentEvents(ctx, r.pool, userID)
}

// ListGranted returns user ids with granted consent after afterUserID.
func (r *consentRepo) ListGranted(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM consents
		WHERE status = 'granted' AND user_id > $1
		ORDER BY user_id
		LIMIT $2`, afterUserID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func listConsentEvents(ctx context.Context, q querier, userID string) ([]*models.ConsentEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT id, user_id, action, policy_version, ip_address, user_agent, created_at
		FROM consent_events WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.ConsentEvent{}
	for rows.Next() {
		var e models.ConsentEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.PolicyVersion, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func insertConsentEvent(ctx context.Context, tx pgx.Tx, userID string, action models.ConsentAction, version int, meta models.ConsentContext) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO consent_events (user_id, action, policy_version, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, action, version, meta.IPAddress, meta.UserAgent)
	return err
}

var errNoUser = errors.New("repository: no user row")

// lockUserShared takes a share lock on the user row so a concurrent erasure
// waits for this transaction or this transaction sees its tombstone. With
// create set, a missing row is created unless the id is tombstoned.
func lockUserShared(ctx context.Context, tx pgx.Tx, userID string, create bool) error {
	if create {
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id)
			SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM tombstones WHERE user_id = $1)
			ON CONFLICT (id) DO NOTHING`, userID); err != nil {
			return err
		}
	}

	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR SHARE`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		erased, terr := isTombstoned(ctx, tx, userID)
		if terr != nil {
			return terr
		}
		if erased {
			return ErrUserErased
		}
		return errNoUser
	}
	return err
}

// Compile-time check to ensure consentRepo implements ConsentRepository.
var _ ConsentRepository = (*consentRepo)(nil)
