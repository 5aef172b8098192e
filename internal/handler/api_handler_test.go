package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
)

func TestAnalyticsHandler_Summary(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

	s := newServices()
	var gotWindow models.TimeRange
	var gotOpts models.SummaryOptions
	s.analytics.summarizeFunc = func(_ context.Context, userID string, window models.TimeRange, opts models.SummaryOptions) (*models.AnalyticsSnapshot, error) {
		gotWindow, gotOpts = window, opts
		return &models.AnalyticsSnapshot{UserID: userID, WindowStart: window.From, WindowEnd: window.To, Count: 3, Stale: true}, nil
	}
	h := s.router()

	// Explicit window and force.
	rec := do(t, h, http.MethodGet,
		"/v1/analytics/summary?from=2024-03-01T00:00:00Z&to=2024-03-08T00:00:00Z&metric=weight&force=1",
		"user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.MetricWeight, gotOpts.Metric)
	assert.True(t, gotOpts.Force)
	assert.Equal(t, 7*24*time.Hour, gotWindow.To.Sub(gotWindow.From))

	var snap models.AnalyticsSnapshot
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &snap))
	assert.True(t, snap.Stale)
	assert.Equal(t, 3, snap.Count)

	// Default window is the last 30 days.
	api := NewAnalyticsHandler(s.analytics)
	api.now = func() time.Time { return now }
	rec = do(t, http.HandlerFunc(api.Summary), http.MethodGet, "/v1/analytics/summary", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, now, gotWindow.To)
	assert.Equal(t, now.Add(-defaultSummaryWindow), gotWindow.From)
	assert.False(t, gotOpts.Force)

	s.analytics.summarizeFunc = func(context.Context, string, models.TimeRange, models.SummaryOptions) (*models.AnalyticsSnapshot, error) {
		return nil, apierrors.ErrConsentRequired
	}
	rec = do(t, h, http.MethodGet, "/v1/analytics/summary", "user-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAlertHandler_List(t *testing.T) {
	s := newServices()
	var gotLimit int
	s.alerts.listFunc = func(_ context.Context, userID string, limit int) ([]*models.AlertEvent, error) {
		gotLimit = limit
		return []*models.AlertEvent{{ID: "a", UserID: userID, Kind: models.AlertHighGlucose}}, nil
	}
	h := s.router()

	rec := do(t, h, http.MethodGet, "/v1/alerts", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, gotLimit)

	rec = do(t, h, http.MethodGet, "/v1/alerts?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, gotLimit)

	rec = do(t, h, http.MethodGet, "/v1/alerts?limit=-1", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandler_Disclaim(t *testing.T) {
	s := newServices()
	s.disclaimer.wrapFunc = func(_ context.Context, _ string, resp string) (*models.DisclaimedResponse, error) {
		if resp == "fail" {
			return nil, apierrors.ErrDisclaimerUnavailable
		}
		return &models.DisclaimedResponse{
			Response:          resp,
			Disclaimer:        "Not medical advice.",
			DisclaimerVersion: 1,
			Text:              resp + "\n\nNot medical advice.",
		}, nil
	}
	h := s.router()

	rec := do(t, h, http.MethodPost, "/v1/chat/disclaim", "user-1", map[string]string{"response": "Drink water."})
	require.Equal(t, http.StatusOK, rec.Code)
	var wrapped models.DisclaimedResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &wrapped))
	assert.Equal(t, "Drink water.\n\nNot medical advice.", wrapped.Text)

	// Fails closed: no response text leaks on error.
	rec = do(t, h, http.MethodPost, "/v1/chat/disclaim", "user-1", map[string]string{"response": "fail"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"text"`)

	rec = do(t, h, http.MethodPost, "/v1/chat/disclaim", "user-1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	h := NewHealthHandler(map[string]Pinger{"database": ok, "redis": down})

	rec := do(t, http.HandlerFunc(h.Health), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, http.HandlerFunc(h.Ready), http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status map[string]string
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &status))
	assert.Equal(t, "connected", status["database"])
	assert.Equal(t, "unavailable", status["redis"])

	h = NewHealthHandler(map[string]Pinger{"database": ok})
	rec = do(t, http.HandlerFunc(h.Ready), http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
