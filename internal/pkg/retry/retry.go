// Package retry retries idempotent store operations on transient failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
)

// MaxRetries bounds the number of retries after the first attempt.
const MaxRetries = 3

// Policy builds the backoff schedule for one call.
var Policy = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}

// Do runs fn until it succeeds, returns a non-transient error, ctx is done
// or MaxRetries is exhausted. Only use it for reads and other operations safe to repeat.
func Do[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(Policy(), MaxRetries), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apierrors.IsAPIError(err) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			// serialization_failure, deadlock_detected, admin_shutdown, too_many_connections
			return true
		}
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
