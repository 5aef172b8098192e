package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/readings/42/supersede", "/v1/readings/{id}/supersede"},
		{"/v1/erasure-receipts/01HV7Y8Z9ABCDEFGHJKMNPQRST", "/v1/erasure-receipts/{id}"},
		{"/v1/consent", "/v1/consent"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, normalizePath(req))
		})
	}
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics())
	var pattern string
	r.Get("/v1/readings/{id}", func(w http.ResponseWriter, r *http.Request) {
		pattern = chi.RouteContext(r.Context()).RoutePattern()
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readings/9", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "/v1/readings/{id}", pattern)
}
