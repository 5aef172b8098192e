// Package cache stores derived analytics snapshots.
//
// Every user has a generation counter. Invalidate and Purge bump it, and Put
// only stores a snapshot if the generation it was computed under is still
// current, so a recomputation racing an append cannot resurrect old data.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// Key identifies one cached window.
type Key struct {
	UserID string
	Metric models.Metric
	From   time.Time
	To     time.Time
}

// field encodes the window part of a key.
func (k Key) field() string {
	return fmt.Sprintf("%s|%d|%d", k.Metric, k.From.UnixNano(), k.To.UnixNano())
}

// covers reports whether the window encoded in field contains ts for metric.
func covers(field string, metric models.Metric, ts time.Time) bool {
	parts := strings.Split(field, "|")
	if len(parts) != 3 || parts[0] != string(metric) {
		return false
	}
	from, err1 := strconv.ParseInt(parts[1], 10, 64)
	to, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		// Unreadable entries are dropped on the next invalidation.
		return true
	}
	n := ts.UnixNano()
	return n >= from && n < to
}

// SnapshotCache is implemented by the Redis and in-memory backends.
type SnapshotCache interface {
	Get(ctx context.Context, key Key) (*models.AnalyticsSnapshot, error)
	Generation(ctx context.Context, userID string) (int64, error)
	// Put stores snap unless the user's generation moved past gen.
	Put(ctx context.Context, key Key, snap *models.AnalyticsSnapshot, gen int64) (bool, error)
	// Invalidate drops every window of metric that contains ts.
	Invalidate(ctx context.Context, userID string, metric models.Metric, ts time.Time) error
	// Purge drops everything cached for the user.
	Purge(ctx context.Context, userID string) error
}
