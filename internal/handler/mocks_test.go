package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/middleware"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/policy"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

type mockConsentService struct {
	getFunc    func(ctx context.Context, userID string) (*models.Consent, error)
	grantFunc  func(ctx context.Context, userID string, version int, meta models.ConsentContext) (*models.Consent, error)
	revokeFunc func(ctx context.Context, userID string, meta models.ConsentContext) (*models.Consent, error)
}

var _ service.ConsentService = (*mockConsentService)(nil)

func (m *mockConsentService) Check(context.Context, string) (models.ConsentStatus, error) {
	return models.ConsentGranted, nil
}

func (m *mockConsentService) Require(context.Context, string) error { return nil }

func (m *mockConsentService) Get(ctx context.Context, userID string) (*models.Consent, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, userID)
	}
	return models.PendingConsent(userID), nil
}

func (m *mockConsentService) Grant(ctx context.Context, userID string, version int, meta models.ConsentContext) (*models.Consent, error) {
	if m.grantFunc != nil {
		return m.grantFunc(ctx, userID, version, meta)
	}
	return nil, nil
}

func (m *mockConsentService) Revoke(ctx context.Context, userID string, meta models.ConsentContext) (*models.Consent, error) {
	if m.revokeFunc != nil {
		return m.revokeFunc(ctx, userID, meta)
	}
	return nil, nil
}

func (m *mockConsentService) PolicyVersion() int { return 1 }

func (m *mockConsentService) Forget(string) {}

type mockReadingService struct {
	appendFunc    func(ctx context.Context, userID string, in models.NewReading) (*models.AppendResult, error)
	supersedeFunc func(ctx context.Context, userID string, seq int64, in models.NewReading) (*models.AppendResult, error)
	listFunc      func(ctx context.Context, q models.ReadingQuery, limit int) ([]*models.Reading, error)
}

var _ service.ReadingService = (*mockReadingService)(nil)

func (m *mockReadingService) Append(ctx context.Context, userID string, in models.NewReading) (*models.AppendResult, error) {
	if m.appendFunc != nil {
		return m.appendFunc(ctx, userID, in)
	}
	return nil, nil
}

func (m *mockReadingService) Supersede(ctx context.Context, userID string, seq int64, in models.NewReading) (*models.AppendResult, error) {
	if m.supersedeFunc != nil {
		return m.supersedeFunc(ctx, userID, seq, in)
	}
	return nil, nil
}

func (m *mockReadingService) Query(context.Context, models.ReadingQuery) iter.Seq2[*models.Reading, error] {
	return func(func(*models.Reading, error) bool) {}
}

func (m *mockReadingService) List(ctx context.Context, q models.ReadingQuery, limit int) ([]*models.Reading, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, q, limit)
	}
	return nil, nil
}

func (m *mockReadingService) Get(context.Context, string, int64) (*models.Reading, error) {
	return nil, nil
}

type mockAlertService struct {
	listFunc func(ctx context.Context, userID string, limit int) ([]*models.AlertEvent, error)
}

var _ service.AlertService = (*mockAlertService)(nil)

func (m *mockAlertService) Evaluate(context.Context, *models.Reading) ([]*models.AlertEvent, error) {
	return nil, nil
}

func (m *mockAlertService) Remind(context.Context, string, time.Time) (*models.AlertEvent, error) {
	return nil, nil
}

func (m *mockAlertService) ScanReminders(context.Context, time.Time) (int, error) { return 0, nil }

func (m *mockAlertService) List(ctx context.Context, userID string, limit int) ([]*models.AlertEvent, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockAlertService) OnFire(func()) {}

type mockAnalyticsService struct {
	summarizeFunc func(ctx context.Context, userID string, window models.TimeRange, opts models.SummaryOptions) (*models.AnalyticsSnapshot, error)
}

var _ service.AnalyticsService = (*mockAnalyticsService)(nil)

func (m *mockAnalyticsService) Invalidate(context.Context, string, models.Metric, time.Time) {}

func (m *mockAnalyticsService) Summarize(ctx context.Context, userID string, window models.TimeRange, opts models.SummaryOptions) (*models.AnalyticsSnapshot, error) {
	if m.summarizeFunc != nil {
		return m.summarizeFunc(ctx, userID, window, opts)
	}
	return nil, nil
}

func (m *mockAnalyticsService) Purge(context.Context, string) error { return nil }

type mockLifecycleService struct {
	exportFunc     func(ctx context.Context, userID string, meta models.ConsentContext) (*models.ExportBundle, error)
	eraseFunc      func(ctx context.Context, userID string) (*models.ErasureReceipt, error)
	getReceiptFunc func(ctx context.Context, id string) (*models.ErasureReceipt, error)
}

var _ service.LifecycleService = (*mockLifecycleService)(nil)

func (m *mockLifecycleService) Export(ctx context.Context, userID string, meta models.ConsentContext) (*models.ExportBundle, error) {
	if m.exportFunc != nil {
		return m.exportFunc(ctx, userID, meta)
	}
	return nil, nil
}

func (m *mockLifecycleService) Erase(ctx context.Context, userID string) (*models.ErasureReceipt, error) {
	if m.eraseFunc != nil {
		return m.eraseFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockLifecycleService) GetReceipt(ctx context.Context, id string) (*models.ErasureReceipt, error) {
	if m.getReceiptFunc != nil {
		return m.getReceiptFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockLifecycleService) ReplayPending(context.Context, time.Duration) (int, error) {
	return 0, nil
}

type mockDisclaimerService struct {
	wrapFunc func(ctx context.Context, userID, response string) (*models.DisclaimedResponse, error)
}

var _ service.DisclaimerService = (*mockDisclaimerService)(nil)

func (m *mockDisclaimerService) Wrap(ctx context.Context, userID, response string) (*models.DisclaimedResponse, error) {
	if m.wrapFunc != nil {
		return m.wrapFunc(ctx, userID, response)
	}
	return nil, nil
}

// services bundles the mocks behind one API router.
type services struct {
	consent    *mockConsentService
	readings   *mockReadingService
	alerts     *mockAlertService
	analytics  *mockAnalyticsService
	lifecycle  *mockLifecycleService
	disclaimer *mockDisclaimerService
	policy     policy.Snapshot
}

func newServices() *services {
	return &services{
		consent:    &mockConsentService{},
		readings:   &mockReadingService{},
		alerts:     &mockAlertService{},
		analytics:  &mockAnalyticsService{},
		lifecycle:  &mockLifecycleService{},
		disclaimer: &mockDisclaimerService{},
		policy: policy.Snapshot{
			PolicyVersion:     2,
			PolicyTitle:       "Privacy Policy",
			DisclaimerVersion: 1,
			DisclaimerText:    "Not medical advice.",
		},
	}
}

// router mounts the API the way the server does, minus auth.
func (s *services) router() http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := &API{
		Consent:   NewConsentHandler(s.consent, policy.NewStatic(s.policy)),
		Readings:  NewReadingHandler(s.readings),
		Analytics: NewAnalyticsHandler(s.analytics),
		Alerts:    NewAlertHandler(s.alerts),
		Account:   NewAccountHandler(s.lifecycle, logger),
		Chat:      NewChatHandler(s.disclaimer),
	}
	r := chi.NewRouter()
	r.Route("/v1", api.Mount)
	return r
}

// do sends a request as userID ("" for anonymous) and returns the recorder.
func do(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "glucolog-test/1.0")
	req.RemoteAddr = "198.51.100.4:40000"
	if userID != "" {
		req = req.WithContext(middleware.WithUserID(req.Context(), userID))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}
