package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// ReadingRepository defines the interface for the append-only reading store.
type ReadingRepository interface {
	// Append stores r under the next sequence number of r.UserID. When
	// r.DedupToken matches an earlier reading of the same user, that reading
	// is returned with created false and nothing is written. When
	// r.Supersedes is set the referenced reading must exist and must not
	// already be superseded. The write is refused with ErrConsentNotGranted
	// unless the ledger holds granted consent, and with ErrStaleVersion when
	// that consent is for a version below minPolicyVersion.
	Append(ctx context.Context, r *models.Reading, minPolicyVersion int) (*models.Reading, bool, error)
	Get(ctx context.Context, userID string, seq int64) (*models.Reading, error)
	// Page returns up to limit readings after the cursor in (timestamp, seq) order.
	Page(ctx context.Context, q models.ReadingQuery, after *models.ReadingCursor, limit int) ([]*models.Reading, error)
	// ListStale returns users with granted consent whose latest reading of
	// metric is older than since. Users with no reading of metric are skipped.
	ListStale(ctx context.Context, metric models.Metric, since time.Time, afterUserID string, limit int) ([]string, error)
}

type readingRepo struct {
	pool *pgxpool.Pool
}

// NewReadingRepository creates a new reading repository.
func NewReadingRepository(pool *pgxpool.Pool) ReadingRepository {
	return &readingRepo{pool: pool}
}

const readingColumns = `user_id, seq, metric, value, unit, ts, source, note_sealed, dedup_token, supersedes, created_at`

func scanReading(row pgx.Row) (*models.Reading, error) {
	var rd models.Reading
	err := row.Scan(
		&rd.UserID,
		&rd.Seq,
		&rd.Metric,
		&rd.Value,
		&rd.Unit,
		&rd.Timestamp,
		&rd.Source,
		&rd.NoteSealed,
		&rd.DedupToken,
		&rd.Supersedes,
		&rd.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rd, nil
}

func collectReadings(rows pgx.Rows) ([]*models.Reading, error) {
	defer rows.Close()

	readings := []*models.Reading{}
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, rd)
	}
	return readings, rows.Err()
}

// Append inserts a reading. The users row lock serializes appends per user
// and against consent changes, which share-lock the same row.
func (r *readingRepo) Append(ctx context.Context, in *models.Reading, minPolicyVersion int) (*models.Reading, bool, error) {
	var (
		out     *models.Reading
		created bool
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var next int64
		err := tx.QueryRow(ctx, `SELECT next_seq FROM users WHERE id = $1 FOR UPDATE`, in.UserID).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserErased
		}
		if err != nil {
			return err
		}
		if err := requireGranted(ctx, tx, in.UserID, minPolicyVersion); err != nil {
			return err
		}

		if in.DedupToken != nil {
			existing, err := scanReading(tx.QueryRow(ctx,
				`SELECT `+readingColumns+` FROM readings WHERE user_id = $1 AND dedup_token = $2`,
				in.UserID, *in.DedupToken))
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		}

		if in.Supersedes != nil {
			if err := checkSupersedable(ctx, tx, in.UserID, *in.Supersedes); err != nil {
				return err
			}
		}

		out, err = scanReading(tx.QueryRow(ctx, `
			INSERT INTO readings (user_id, seq, metric, value, unit, ts, source, note_sealed, dedup_token, supersedes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+readingColumns,
			in.UserID,
			next,
			in.Metric,
			in.Value,
			in.Unit,
			in.Timestamp,
			in.Source,
			in.NoteSealed,
			in.DedupToken,
			in.Supersedes,
		))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE users SET next_seq = $2 WHERE id = $1`, in.UserID, next+1); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, classify(err)
	}
	return out, created, nil
}

// requireGranted checks the ledger row of userID. Callers hold a lock on the
// users row so the answer stays true until commit.
func requireGranted(ctx context.Context, q querier, userID string, minVersion int) error {
	var (
		status  models.ConsentStatus
		version int
	)
	err := q.QueryRow(ctx, `SELECT status, policy_version FROM consents WHERE user_id = $1`, userID).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConsentNotGranted
	}
	if err != nil {
		return err
	}
	if status != models.ConsentGranted {
		return ErrConsentNotGranted
	}
	if version < minVersion {
		return ErrStaleVersion
	}
	return nil
}

func checkSupersedable(ctx context.Context, tx pgx.Tx, userID string, seq int64) error {
	var exists, superseded bool
	err := tx.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM readings WHERE user_id = $1 AND seq = $2),
			EXISTS (SELECT 1 FROM readings WHERE user_id = $1 AND supersedes = $2)`,
		userID, seq).Scan(&exists, &superseded)
	if err != nil {
		return err
	}
	if !exists {
		return ErrReadingNotFound
	}
	if superseded {
		return ErrAlreadySuperseded
	}
	return nil
}

// Get retrieves a single reading.
func (r *readingRepo) Get(ctx context.Context, userID string, seq int64) (*models.Reading, error) {
	return scanReading(r.pool.QueryRow(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE user_id = $1 AND seq = $2`, userID, seq))
}

// Page runs one keyset page of a reading query.
func (r *readingRepo) Page(ctx context.Context, q models.ReadingQuery, after *models.ReadingCursor, limit int) ([]*models.Reading, error) {
	rows, err := r.pool.Query(ctx, pageSQL(q, after), pageArgs(q, after, limit)...)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

func pageSQL(q models.ReadingQuery, after *models.ReadingCursor) string {
	sql := `SELECT ` + readingColumns + ` FROM readings r
		WHERE r.user_id = $1 AND r.ts >= $2 AND r.ts < $3 AND ($4 = '' OR r.metric = $4)`
	if q.EffectiveOnly {
		sql += ` AND NOT EXISTS (SELECT 1 FROM readings s WHERE s.user_id = r.user_id AND s.supersedes = r.seq)`
	}
	if after != nil {
		sql += ` AND (r.ts, r.seq) > ($6, $7)`
	}
	return sql + ` ORDER BY r.ts, r.seq LIMIT $5`
}

func pageArgs(q models.ReadingQuery, after *models.ReadingCursor, limit int) []any {
	args := []any{q.UserID, q.Range.From, q.Range.To, string(q.Metric), limit}
	if after != nil {
		args = append(args, after.Timestamp, after.Seq)
	}
	return args
}

// ListStale finds users due a measurement reminder.
func (r *readingRepo) ListStale(ctx context.Context, metric models.Metric, since time.Time, afterUserID string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.user_id FROM consents c
		JOIN LATERAL (
			SELECT MAX(ts) AS last_ts FROM readings WHERE user_id = c.user_id AND metric = $1
		) l ON TRUE
		WHERE c.status = 'granted'
			AND c.user_id > $3
			AND l.last_ts IS NOT NULL
			AND l.last_ts < $2
		ORDER BY c.user_id
		LIMIT $4`, metric, since, afterUserID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Compile-time check to ensure readingRepo implements ReadingRepository.
var _ ReadingRepository = (*readingRepo)(nil)
