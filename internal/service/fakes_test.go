package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/cache"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/config"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/keylock"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/ulid"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/policy"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

// --- In-memory store ---
//
// memStore holds every table behind one mutex, which stands in for the row
// locks the Postgres repositories take.

type memStore struct {
	mu sync.Mutex

	users         map[string]int64 // user -> next seq
	tombstones    map[string]string
	consents      map[string]*models.Consent
	consentEvents map[string][]*models.ConsentEvent
	readings      map[string][]*models.Reading
	alertStates   map[string]*models.AlertState
	alertEvents   []*models.AlertEvent
	audit         []*models.AuditLog
	intents       map[string]*models.ErasureIntent // by user
	receipts      map[string]*models.ErasureReceipt

	deleteCalls int
	failDelete  int // DeleteUserData fails this many more times
}

func newMemStore() *memStore {
	return &memStore{
		users:         make(map[string]int64),
		tombstones:    make(map[string]string),
		consents:      make(map[string]*models.Consent),
		consentEvents: make(map[string][]*models.ConsentEvent),
		readings:      make(map[string][]*models.Reading),
		alertStates:   make(map[string]*models.AlertState),
		intents:       make(map[string]*models.ErasureIntent),
		receipts:      make(map[string]*models.ErasureReceipt),
	}
}

func (m *memStore) readingCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings[userID])
}

func (m *memStore) eventsOf(userID string, kind models.AlertKind) []*models.AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AlertEvent
	for _, e := range m.alertEvents {
		if e.UserID == userID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// --- ConsentRepository ---

type memConsentRepo struct{ *memStore }

func (r memConsentRepo) Get(_ context.Context, userID string) (*models.Consent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tombstones[userID]; ok {
		return nil, true, nil
	}
	c, ok := r.consents[userID]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, false, nil
}

func (r memConsentRepo) Grant(_ context.Context, userID string, version int, meta models.ConsentContext) (*models.Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tombstones[userID]; ok {
		return nil, repository.ErrUserErased
	}
	if c, ok := r.consents[userID]; ok && c.PolicyVersion > version {
		return nil, repository.ErrStaleVersion
	}
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = 1
	}
	now := time.Now().UTC()
	c := &models.Consent{UserID: userID, PolicyVersion: version, Status: models.ConsentGranted, GrantedAt: &now, UpdatedAt: now}
	r.consents[userID] = c
	r.consentEvents[userID] = append(r.consentEvents[userID], &models.ConsentEvent{
		ID: int64(len(r.consentEvents[userID]) + 1), UserID: userID, Action: models.ConsentActionGranted,
		PolicyVersion: version, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent, CreatedAt: now,
	})
	cp := *c
	return &cp, nil
}

func (r memConsentRepo) Revoke(_ context.Context, userID string, meta models.ConsentContext) (*models.Consent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tombstones[userID]; ok {
		return nil, false, repository.ErrUserErased
	}
	c, ok := r.consents[userID]
	if !ok {
		return nil, false, nil
	}
	if c.Status != models.ConsentGranted {
		cp := *c
		return &cp, false, nil
	}
	now := time.Now().UTC()
	c.Status = models.ConsentRevoked
	c.RevokedAt = &now
	c.UpdatedAt = now
	r.consentEvents[userID] = append(r.consentEvents[userID], &models.ConsentEvent{
		ID: int64(len(r.consentEvents[userID]) + 1), UserID: userID, Action: models.ConsentActionRevoked,
		PolicyVersion: c.PolicyVersion, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent, CreatedAt: now,
	})
	cp := *c
	return &cp, true, nil
}

func (r memConsentRepo) ListEvents(_ context.Context, userID string) ([]*models.ConsentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.ConsentEvent{}, r.consentEvents[userID]...), nil
}

func (r memConsentRepo) ListGranted(_ context.Context, afterUserID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.consents {
		if c.Status == models.ConsentGranted && id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// pausingConsentRepo holds its first Get after the store read until resume
// is closed, so a test can commit a consent change in between.
type pausingConsentRepo struct {
	memConsentRepo
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func newPausingConsentRepo(store *memStore) *pausingConsentRepo {
	return &pausingConsentRepo{
		memConsentRepo: memConsentRepo{store},
		read:           make(chan struct{}),
		resume:         make(chan struct{}),
	}
}

func (r *pausingConsentRepo) Get(ctx context.Context, userID string) (*models.Consent, bool, error) {
	c, erased, err := r.memConsentRepo.Get(ctx, userID)
	r.once.Do(func() {
		close(r.read)
		<-r.resume
	})
	return c, erased, err
}

// --- ReadingRepository ---

type memReadingRepo struct{ *memStore }

func (r memReadingRepo) Append(_ context.Context, in *models.Reading, minPolicyVersion int) (*models.Reading, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.users[in.UserID]
	if !ok {
		return nil, false, repository.ErrUserErased
	}
	c, ok := r.consents[in.UserID]
	if !ok || c.Status != models.ConsentGranted {
		return nil, false, repository.ErrConsentNotGranted
	}
	if c.PolicyVersion < minPolicyVersion {
		return nil, false, repository.ErrStaleVersion
	}
	if in.DedupToken != nil {
		for _, existing := range r.readings[in.UserID] {
			if existing.DedupToken != nil && *existing.DedupToken == *in.DedupToken {
				cp := *existing
				return &cp, false, nil
			}
		}
	}
	if in.Supersedes != nil {
		found := false
		for _, existing := range r.readings[in.UserID] {
			if existing.Seq == *in.Supersedes {
				found = true
			}
			if existing.Supersedes != nil && *existing.Supersedes == *in.Supersedes {
				return nil, false, repository.ErrAlreadySuperseded
			}
		}
		if !found {
			return nil, false, repository.ErrReadingNotFound
		}
	}

	stored := *in
	stored.Seq = next
	stored.Note = ""
	stored.CreatedAt = time.Now().UTC()
	r.readings[in.UserID] = append(r.readings[in.UserID], &stored)
	r.users[in.UserID] = next + 1

	cp := stored
	return &cp, true, nil
}

func (r memReadingRepo) Get(_ context.Context, userID string, seq int64) (*models.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.readings[userID] {
		if existing.Seq == seq {
			cp := *existing
			return &cp, nil
		}
	}
	return nil, nil
}

func (r memReadingRepo) Page(_ context.Context, q models.ReadingQuery, after *models.ReadingCursor, limit int) ([]*models.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	superseded := make(map[int64]bool)
	for _, existing := range r.readings[q.UserID] {
		if existing.Supersedes != nil {
			superseded[*existing.Supersedes] = true
		}
	}

	var out []*models.Reading
	for _, existing := range r.readings[q.UserID] {
		if !q.Range.Contains(existing.Timestamp) {
			continue
		}
		if q.Metric != "" && existing.Metric != q.Metric {
			continue
		}
		if q.EffectiveOnly && superseded[existing.Seq] {
			continue
		}
		if after != nil {
			if existing.Timestamp.Before(after.Timestamp) ||
				(existing.Timestamp.Equal(after.Timestamp) && existing.Seq <= after.Seq) {
				continue
			}
		}
		cp := *existing
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memReadingRepo) ListStale(_ context.Context, metric models.Metric, since time.Time, afterUserID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, c := range r.consents {
		if c.Status != models.ConsentGranted || id <= afterUserID {
			continue
		}
		var latest time.Time
		for _, existing := range r.readings[id] {
			if existing.Metric == metric && existing.Timestamp.After(latest) {
				latest = existing.Timestamp
			}
		}
		if !latest.IsZero() && latest.Before(since) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// --- AlertRepository ---

type memAlertRepo struct{ *memStore }

var errWindowOverlap = errors.New("alert windows overlap")

func (r memAlertRepo) Transition(_ context.Context, userID string, kind models.AlertKind, fn repository.AlertTransition) (*models.AlertEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userID + "|" + string(kind)
	state, ok := r.alertStates[key]
	if !ok {
		state = models.NewAlertState(userID, kind)
	}
	working := *state

	ev, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		// Mirrors the exclusion constraint on alert_events.
		for _, e := range r.alertEvents {
			if e.UserID == userID && e.Kind == kind &&
				ev.FiredAt.Before(e.SuppressedUntil) && e.FiredAt.Before(ev.SuppressedUntil) {
				return nil, errWindowOverlap
			}
		}
		cp := *ev
		r.alertEvents = append(r.alertEvents, &cp)
	}
	working.UpdatedAt = time.Now().UTC()
	r.alertStates[key] = &working
	return ev, nil
}

func (r memAlertRepo) ListEvents(_ context.Context, userID string, limit int) ([]*models.AlertEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*models.AlertEvent{}
	for i := len(r.alertEvents) - 1; i >= 0 && len(out) < limit; i-- {
		if r.alertEvents[i].UserID == userID {
			cp := *r.alertEvents[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memAlertRepo) ListUndelivered(_ context.Context, limit int) ([]*models.AlertEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*models.AlertEvent{}
	for _, e := range r.alertEvents {
		if e.DeliveredAt == nil && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memAlertRepo) MarkDelivered(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.alertEvents {
		if e.ID == id {
			t := at
			e.DeliveredAt = &t
		}
	}
	return nil
}

// --- AuditRepository ---

type memAuditRepo struct{ *memStore }

func (r memAuditRepo) Create(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[log.UserID]; !ok {
		return repository.ErrUserErased
	}
	log.ID = uuid.New()
	log.CreatedAt = time.Now().UTC()
	cp := *log
	r.audit = append(r.audit, &cp)
	return nil
}

func (r memAuditRepo) List(_ context.Context, q models.AuditLogQuery) ([]*models.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*models.AuditLog{}
	for _, l := range r.audit {
		if l.UserID == q.UserID {
			out = append(out, l)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r memAuditRepo) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.audit[:0]
	var n int64
	for _, l := range r.audit {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	r.audit = kept
	return n, nil
}

// --- LifecycleRepository ---

type memLifecycleRepo struct{ *memStore }

func (r memLifecycleRepo) Export(_ context.Context, userID string, _ time.Duration) (*models.ExportBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; !ok {
		if _, erased := r.tombstones[userID]; erased {
			return nil, repository.ErrUserErased
		}
		return nil, repository.ErrUserNotFound
	}

	b := &models.ExportBundle{
		FormatVersion:  models.ExportFormatVersion,
		UserID:         userID,
		GeneratedAt:    time.Now().UTC(),
		Consent:        models.PendingConsent(userID),
		ConsentHistory: append([]*models.ConsentEvent{}, r.consentEvents[userID]...),
		Readings:       []*models.Reading{},
		Alerts:         []*models.AlertEvent{},
		AuditTrail:     []*models.AuditLog{},
	}
	if c, ok := r.consents[userID]; ok {
		cp := *c
		b.Consent = &cp
	}
	for _, existing := range r.readings[userID] {
		cp := *existing
		b.Readings = append(b.Readings, &cp)
	}
	for _, e := range r.alertEvents {
		if e.UserID == userID {
			cp := *e
			b.Alerts = append(b.Alerts, &cp)
		}
	}
	for _, l := range r.audit {
		if l.UserID == userID {
			b.AuditTrail = append(b.AuditTrail, l)
		}
	}
	return b, nil
}

func (r memLifecycleRepo) BeginIntent(_ context.Context, userID string) (*models.ErasureIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.intents[userID]; ok {
		in.Attempts++
		in.UpdatedAt = time.Now().UTC()
		cp := *in
		return &cp, nil
	}
	_, known := r.users[userID]
	if _, erased := r.tombstones[userID]; !known && !erased {
		return nil, repository.ErrUserNotFound
	}
	now := time.Now().UTC()
	in := &models.ErasureIntent{
		ID: ulid.New(), UserID: userID, Status: models.ErasurePending,
		Attempts: 1, RequestedAt: now, UpdatedAt: now,
	}
	r.intents[userID] = in
	cp := *in
	return &cp, nil
}

var errInjectedDelete = errors.New("injected delete failure")

func (r memLifecycleRepo) DeleteUserData(_ context.Context, intent *models.ErasureIntent, _ time.Duration) (*models.DeletedCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteCalls++
	if r.failDelete > 0 {
		r.failDelete--
		return nil, errInjectedDelete
	}

	userID := intent.UserID
	counts := models.DeletedCounts{
		Readings:      int64(len(r.readings[userID])),
		ConsentEvents: int64(len(r.consentEvents[userID])),
	}
	if _, ok := r.consents[userID]; ok {
		counts.Consents = 1
	}
	kept := r.alertEvents[:0]
	for _, e := range r.alertEvents {
		if e.UserID == userID {
			counts.AlertEvents++
			continue
		}
		kept = append(kept, e)
	}
	r.alertEvents = kept
	for key, st := range r.alertStates {
		if st.UserID == userID {
			counts.AlertStates++
			delete(r.alertStates, key)
		}
	}
	keptAudit := r.audit[:0]
	for _, l := range r.audit {
		if l.UserID == userID {
			counts.AuditLogs++
			continue
		}
		keptAudit = append(keptAudit, l)
	}
	r.audit = keptAudit

	delete(r.readings, userID)
	delete(r.consentEvents, userID)
	delete(r.consents, userID)
	delete(r.users, userID)
	if _, ok := r.tombstones[userID]; !ok {
		r.tombstones[userID] = intent.ID
	}

	in := r.intents[userID]
	if in.Status == models.ErasurePending {
		in.Status = models.ErasureRecordsDeleted
	}
	if in.Deleted == nil {
		in.Deleted = &counts
	}
	in.LastError = nil
	cp := *in.Deleted
	return &cp, nil
}

func (r memLifecycleRepo) CompleteIntent(_ context.Context, intentID string) (*models.ErasureReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.intents {
		if in.ID != intentID {
			continue
		}
		if _, ok := r.receipts[intentID]; !ok {
			rc := &models.ErasureReceipt{ID: in.ID, UserID: in.UserID, RequestedAt: in.RequestedAt, ErasedAt: time.Now().UTC()}
			if in.Deleted != nil {
				rc.Deleted = *in.Deleted
			}
			r.receipts[intentID] = rc
		}
		in.Status = models.ErasureCompleted
		cp := *r.receipts[intentID]
		return &cp, nil
	}
	return nil, nil
}

func (r memLifecycleRepo) FailIntent(_ context.Context, intentID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.intents {
		if in.ID == intentID && in.Status != models.ErasureCompleted {
			msg := reason
			in.LastError = &msg
		}
	}
	return nil
}

func (r memLifecycleRepo) ListOpenIntents(_ context.Context, updatedBefore time.Time, limit int) ([]*models.ErasureIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*models.ErasureIntent{}
	for _, in := range r.intents {
		if in.Status != models.ErasureCompleted && in.UpdatedAt.Before(updatedBefore) && len(out) < limit {
			cp := *in
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memLifecycleRepo) GetReceipt(_ context.Context, id string) (*models.ErasureReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.receipts[id]
	if !ok {
		return nil, nil
	}
	cp := *rc
	return &cp, nil
}

func (r memLifecycleRepo) GetReceiptByUser(_ context.Context, userID string) (*models.ErasureReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rc := range r.receipts {
		if rc.UserID == userID {
			cp := *rc
			return &cp, nil
		}
	}
	return nil, nil
}

var (
	_ repository.ConsentRepository   = memConsentRepo{}
	_ repository.ReadingRepository   = memReadingRepo{}
	_ repository.AlertRepository     = memAlertRepo{}
	_ repository.AuditRepository     = memAuditRepo{}
	_ repository.LifecycleRepository = memLifecycleRepo{}
)

// --- Collaborator fakes ---

// recordingAudit keeps entries in memory and writes synchronously.
type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAudit) Record(_ context.Context, entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) List(context.Context, string, int) ([]*models.AuditLog, error) {
	return nil, nil
}

func (a *recordingAudit) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (a *recordingAudit) events() []models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditEvent, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}

type countingPublisher struct {
	mu    sync.Mutex
	users []string
}

func (p *countingPublisher) Publish(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return nil
}

// flakyCache fails Purge a set number of times.
type flakyCache struct {
	*cache.Memory
	mu        sync.Mutex
	failPurge int
}

func (c *flakyCache) Purge(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.failPurge > 0 {
		c.failPurge--
		c.mu.Unlock()
		return errors.New("injected purge failure")
	}
	c.mu.Unlock()
	return c.Memory.Purge(ctx, userID)
}

// --- Environment ---

const testDisclaimer = "This assistant does not give medical advice. Contact your doctor for treatment decisions."

var testBase = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReadingsConfig() config.ReadingsConfig {
	return config.ReadingsConfig{
		Ranges: map[string]config.MetricRange{
			"glucose": {Min: 20, Max: 600, Unit: "mg/dL"},
			"weight":  {Min: 20, Max: 300, Unit: "kg"},
		},
		MaxPageSize:   1000,
		QueryPageSize: 3,
		MaxFutureSkew: 5 * time.Minute,
	}
}

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		HighGlucose:      config.ThresholdConfig{Metric: "glucose", Value: 250, Direction: "above", CoolDown: 30 * time.Minute},
		LowGlucose:       config.ThresholdConfig{Metric: "glucose", Value: 70, Direction: "below", CoolDown: 30 * time.Minute},
		ReminderInterval: 4 * time.Hour,
		ReminderCoolDown: 4 * time.Hour,
	}
}

type testEnv struct {
	store      *memStore
	registry   *policy.Registry
	audit      *recordingAudit
	publisher  *countingPublisher
	locks      *keylock.Locker
	snapshots  *flakyCache
	consent    ConsentService
	alerts     AlertService
	analytics  AnalyticsService
	readings   ReadingService
	lifecycle  LifecycleService
	disclaimer DisclaimerService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPolicy(t, policy.Snapshot{
		PolicyVersion:     1,
		PolicyTitle:       "Privacy policy",
		DisclaimerVersion: 1,
		DisclaimerText:    testDisclaimer,
	})
}

func newTestEnvWithPolicy(t *testing.T, snap policy.Snapshot) *testEnv {
	t.Helper()
	logger := testLogger()

	e := &testEnv{
		store:     newMemStore(),
		registry:  policy.NewStatic(snap),
		audit:     &recordingAudit{},
		publisher: &countingPublisher{},
		locks:     keylock.New(),
		snapshots: &flakyCache{Memory: cache.NewMemory(time.Hour)},
	}
	e.consent = NewConsentService(memConsentRepo{e.store}, e.registry, e.audit, e.publisher, logger)
	e.alerts = NewAlertService(memAlertRepo{e.store}, memReadingRepo{e.store}, e.consent, e.locks, testAlertsConfig(), logger)
	e.analytics = NewAnalyticsService(memReadingRepo{e.store}, e.consent, e.snapshots, config.AnalyticsConfig{
		StalenessTolerance: 10 * time.Minute,
		MaxWindow:          365 * 24 * time.Hour,
	}, 3, logger)
	e.readings = NewReadingService(memReadingRepo{e.store}, e.consent, e.alerts, e.analytics, e.audit, nil, e.locks,
		ReadingServiceConfig{Readings: testReadingsConfig(), LockTimeout: time.Second}, logger)
	e.lifecycle = NewLifecycleService(memLifecycleRepo{e.store}, e.analytics, e.consent, e.publisher, e.audit, nil, e.locks, time.Second, logger)
	e.disclaimer = NewDisclaimerService(e.registry, e.consent, e.audit, logger)
	return e
}

// grant gives userID consent to the current policy.
func (e *testEnv) grant(t *testing.T, userID string) {
	t.Helper()
	_, err := e.consent.Grant(context.Background(), userID, e.registry.Current().PolicyVersion, models.ConsentContext{})
	if err != nil {
		t.Fatalf("grant consent: %v", err)
	}
}

func glucose(value float64, at time.Time) models.NewReading {
	return models.NewReading{Metric: models.MetricGlucose, Value: value, Unit: "mg/dL", Timestamp: at}
}

func cacheKey(userID string, from, to time.Time) cache.Key {
	return cache.Key{UserID: userID, Metric: models.MetricGlucose, From: from, To: to}
}
