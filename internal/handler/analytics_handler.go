package handler

import (
	"net/http"
	"time"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

// AnalyticsHandler serves derived statistics.
type AnalyticsHandler struct {
	analyticsService service.AnalyticsService
	now              func() time.Time
}

// NewAnalyticsHandler creates a new analytics handler.
func NewAnalyticsHandler(analyticsService service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{
		analyticsService: analyticsService,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Summary handles GET /v1/analytics/summary. The window defaults to the last
// 30 days ending now.
func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	to, hasTo, err := timeParam(q, "to")
	if err != nil {
		response.Error(w, err)
		return
	}
	if !hasTo {
		to = h.now()
	}
	from, hasFrom, err := timeParam(q, "from")
	if err != nil {
		response.Error(w, err)
		return
	}
	if !hasFrom {
		from = to.Add(-defaultSummaryWindow)
	}

	snap, err := h.analyticsService.Summarize(r.Context(), uid,
		models.TimeRange{From: from, To: to},
		models.SummaryOptions{
			Metric: models.Metric(q.Get("metric")),
			Force:  boolParam(q, "force"),
		},
	)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, snap)
}
