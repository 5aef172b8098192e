// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUserErased is returned when a write targets a tombstoned or missing user.
	ErrUserErased = errors.New("repository: user erased")
	// ErrStaleVersion is returned when a consent grant would lower the policy version.
	ErrStaleVersion = errors.New("repository: policy version regression")
	// ErrConsentNotGranted is returned when a write needs granted consent and
	// the ledger holds none.
	ErrConsentNotGranted = errors.New("repository: consent not granted")
	// ErrReadingNotFound is returned when a referenced reading does not exist.
	ErrReadingNotFound = errors.New("repository: reading not found")
	// ErrAlreadySuperseded is returned when a reading already has a correction.
	ErrAlreadySuperseded = errors.New("repository: reading already superseded")
	// ErrLockTimeout is returned when Postgres gave up waiting for a row lock.
	ErrLockTimeout = errors.New("repository: lock timeout")
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// setLockTimeout bounds how long statements in tx wait for row locks.
func setLockTimeout(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms))
	return err
}

// classify maps Postgres errors that callers branch on to repository errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		case "23503": // foreign_key_violation on users
			return fmt.Errorf("%w: %s", ErrUserErased, pgErr.ConstraintName)
		}
	}
	return err
}

// isTombstoned reports whether userID has been erased.
func isTombstoned(ctx context.Context, q querier, userID string) (bool, error) {
	var erased bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tombstones WHERE user_id = $1)`, userID).Scan(&erased)
	return erased, err
}
