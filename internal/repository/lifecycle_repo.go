package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/ulid"
)

// LifecycleRepository defines cross-table export and erasure operations.
type LifecycleRepository interface {
	// Export reads every row owned by userID while holding the user row
	// exclusively, so no write for the user interleaves with the read.
	Export(ctx context.Context, userID string, lockTimeout time.Duration) (*models.ExportBundle, error)

	BeginIntent(ctx context.Context, userID string) (*models.ErasureIntent, error)
	// DeleteUserData removes all rows of the intent's user and writes the
	// tombstone in one transaction. Running it again is a no-op.
	DeleteUserData(ctx context.Context, intent *models.ErasureIntent, lockTimeout time.Duration) (*models.DeletedCounts, error)
	CompleteIntent(ctx context.Context, intentID string) (*models.ErasureReceipt, error)
	FailIntent(ctx context.Context, intentID string, reason string) error
	ListOpenIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.ErasureIntent, error)

	GetReceipt(ctx context.Context, id string) (*models.ErasureReceipt, error)
	GetReceiptByUser(ctx context.Context, userID string) (*models.ErasureReceipt, error)
}

type lifecycleRepo struct {
	pool *pgxpool.Pool
}

// NewLifecycleRepository creates a new lifecycle repository.
func NewLifecycleRepository(pool *pgxpool.Pool) LifecycleRepository {
	return &lifecycleRepo{pool: pool}
}

// ErrUserNotFound is returned by Export and BeginIntent for a user that
// never existed.
var ErrUserNotFound = errors.New("repository: user not found")

// Export builds the bundle inside one transaction.
func (r *lifecycleRepo) Export(ctx context.Context, userID string, lockTimeout time.Duration) (*models.ExportBundle, error) {
	var bundle *models.ExportBundle
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := setLockTimeout(ctx, tx, lockTimeout); err != nil {
			return err
		}

		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			erased, terr := isTombstoned(ctx, tx, userID)
			if terr != nil {
				return terr
			}
			if erased {
				return ErrUserErased
			}
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}

		b := &models.ExportBundle{
			FormatVersion: models.ExportFormatVersion,
			UserID:        userID,
			GeneratedAt:   time.Now().UTC(),
		}

		b.Consent, err = scanConsent(tx.QueryRow(ctx,
			`SELECT `+consentColumns+` FROM consents WHERE user_id = $1`, userID))
		if err != nil {
			return err
		}
		if b.Consent == nil {
			b.Consent = models.PendingConsent(userID)
		}

		if b.ConsentHistory, err = listConsentEvents(ctx, tx, userID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT `+readingColumns+` FROM readings WHERE user_id = $1 ORDER BY ts, seq`, userID)
		if err != nil {
			return err
		}
		if b.Readings, err = collectReadings(rows); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
			SELECT `+alertEventColumns+` FROM alert_events WHERE user_id = $1 ORDER BY fired_at`, userID)
		if err != nil {
			return err
		}
		if b.Alerts, err = collectAlertEvents(rows); err != nil {
			return err
		}

		if b.AuditTrail, err = listAuditLogs(ctx, tx, models.AuditLogQuery{UserID: userID}); err != nil {
			return err
		}

		bundle = b
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return bundle, nil
}

const intentColumns = `id, user_id, status, attempts, last_error, deleted, requested_at, updated_at`

func scanIntent(row pgx.Row) (*models.ErasureIntent, error) {
	var in models.ErasureIntent
	err := row.Scan(
		&in.ID,
		&in.UserID,
		&in.Status,
		&in.Attempts,
		&in.LastError,
		&in.Deleted,
		&in.RequestedAt,
		&in.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// BeginIntent records a new intent, or bumps the attempt counter of the
// existing one so a retry reuses its id. Ids with neither a users row nor a
// tombstone get ErrUserNotFound and no intent.
func (r *lifecycleRepo) BeginIntent(ctx context.Context, userID string) (*models.ErasureIntent, error) {
	in, err := scanIntent(r.pool.QueryRow(ctx, `
		INSERT INTO erasure_intents (id, user_id, status)
		SELECT $1, $2, 'pending'
		WHERE EXISTS (SELECT 1 FROM users WHERE id = $2)
		   OR EXISTS (SELECT 1 FROM tombstones WHERE user_id = $2)
		ON CONFLICT (user_id) DO UPDATE SET
			attempts = erasure_intents.attempts + 1,
			updated_at = NOW()
		RETURNING `+intentColumns, ulid.New(), userID))
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrUserNotFound
	}
	return in, nil
}

// DeleteUserData deletes and tombstones in one transaction.
func (r *lifecycleRepo) DeleteUserData(ctx context.Context, intent *models.ErasureIntent, lockTimeout time.Duration) (*models.DeletedCounts, error) {
	var out *models.DeletedCounts
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := setLockTimeout(ctx, tx, lockTimeout); err != nil {
			return err
		}

		// Waits for in-flight writers of this user; later ones see no row.
		if _, err := tx.Exec(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, intent.UserID); err != nil {
			return err
		}

		var counts models.DeletedCounts
		steps := []struct {
			sql string
			n   *int64
		}{
			{`DELETE FROM consent_events WHERE user_id = $1`, &counts.ConsentEvents},
			{`DELETE FROM consents WHERE user_id = $1`, &counts.Consents},
			{`DELETE FROM alert_events WHERE user_id = $1`, &counts.AlertEvents},
			{`DELETE FROM alert_states WHERE user_id = $1`, &counts.AlertStates},
			{`DELETE FROM audit_logs WHERE user_id = $1`, &counts.AuditLogs},
			{`DELETE FROM readings WHERE user_id = $1`, &counts.Readings},
			{`DELETE FROM users WHERE id = $1`, nil},
		}
		for _, s := range steps {
			tag, err := tx.Exec(ctx, s.sql, intent.UserID)
			if err != nil {
				return err
			}
			if s.n != nil {
				*s.n = tag.RowsAffected()
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tombstones (user_id, receipt_id) VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING`, intent.UserID, intent.ID); err != nil {
			return err
		}

		// A replay deletes nothing; keep the counts of the run that did.
		return tx.QueryRow(ctx, `
			UPDATE erasure_intents SET
				status = CASE WHEN status = 'pending' THEN 'records_deleted' ELSE status END,
				deleted = COALESCE(deleted, $2),
				last_error = NULL,
				updated_at = NOW()
			WHERE id = $1
			RETURNING deleted`, intent.ID, counts).Scan(&out)
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// CompleteIntent writes the receipt and closes the intent.
func (r *lifecycleRepo) CompleteIntent(ctx context.Context, intentID string) (*models.ErasureReceipt, error) {
	var receipt *models.ErasureReceipt
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO erasure_receipts (id, user_id, requested_at, erased_at, deleted)
			SELECT id, user_id, requested_at, NOW(), COALESCE(deleted, '{}'::jsonb)
			FROM erasure_intents WHERE id = $1
			ON CONFLICT (id) DO NOTHING`, intentID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE erasure_intents SET status = 'completed', updated_at = NOW() WHERE id = $1`, intentID); err != nil {
			return err
		}

		var err error
		receipt, err = scanReceipt(tx.QueryRow(ctx,
			`SELECT `+receiptColumns+` FROM erasure_receipts WHERE id = $1`, intentID))
		return err
	})
	return receipt, err
}

// FailIntent stores the last failure for the replay job.
func (r *lifecycleRepo) FailIntent(ctx context.Context, intentID string, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE erasure_intents SET last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'`, intentID, reason)
	return err
}

// ListOpenIntents returns unfinished intents untouched since updatedBefore.
func (r *lifecycleRepo) ListOpenIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.ErasureIntent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM erasure_intents
		WHERE status <> 'completed' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intents := []*models.ErasureIntent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

const receiptColumns = `id, user_id, requested_at, erased_at, deleted`

func scanReceipt(row pgx.Row) (*models.ErasureReceipt, error) {
	var rc models.ErasureReceipt
	err := row.Scan(&rc.ID, &rc.UserID, &rc.RequestedAt, &rc.ErasedAt, &rc.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// GetReceipt retrieves a receipt by id.
func (r *lifecycleRepo) GetReceipt(ctx context.Context, id string) (*models.ErasureReceipt, error) {
	return scanReceipt(r.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM erasure_receipts WHERE id = $1`, id))
}

// GetReceiptByUser retrieves the receipt of an erased user.
func (r *lifecycleRepo) GetReceiptByUser(ctx context.Context, userID string) (*models.ErasureReceipt, error) {
	return scanReceipt(r.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM erasure_receipts WHERE user_id = $1`, userID))
}

// Compile-time check to ensure lifecycleRepo implements LifecycleRepository.
var _ LifecycleRepository = (*lifecycleRepo)(nil)
