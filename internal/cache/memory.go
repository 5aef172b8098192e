package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

type userEntry struct {
	gen     int64
	windows map[string]models.AnalyticsSnapshot
}

// Memory is a process-local SnapshotCache for single instance deployments
// and tests.
type Memory struct {
	mu    sync.Mutex
	store *gocache.Cache
	ttl   time.Duration
}

// NewMemory creates a memory cache whose per-user entries expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		store: gocache.New(ttl, 10*time.Minute),
		ttl:   ttl,
	}
}

func (m *Memory) entry(userID string) *userEntry {
	if v, ok := m.store.Get(userID); ok {
		return v.(*userEntry)
	}
	e := &userEntry{windows: make(map[string]models.AnalyticsSnapshot)}
	m.store.Set(userID, e, m.ttl)
	return e
}

// Get returns a copy of the cached snapshot, or nil.
func (m *Memory) Get(_ context.Context, key Key) (*models.AnalyticsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.entry(key.UserID).windows[key.field()]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// Generation returns the user's current generation.
func (m *Memory) Generation(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry(userID).gen, nil
}

// Put stores a copy of snap.
func (m *Memory) Put(_ context.Context, key Key, snap *models.AnalyticsSnapshot, gen int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key.UserID)
	if e.gen != gen {
		return false, nil
	}
	e.windows[key.field()] = *snap
	m.store.Set(key.UserID, e, m.ttl)
	return true, nil
}

// Invalidate drops windows containing ts.
func (m *Memory) Invalidate(_ context.Context, userID string, metric models.Metric, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(userID)
	e.gen++
	for f := range e.windows {
		if covers(f, metric, ts) {
			delete(e.windows, f)
		}
	}
	return nil
}

// Purge drops all windows of the user.
func (m *Memory) Purge(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(userID)
	e.gen++
	e.windows = make(map[string]models.AnalyticsSnapshot)
	return nil
}

var _ SnapshotCache = (*Memory)(nil)
