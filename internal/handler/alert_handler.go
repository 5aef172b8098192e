package handler

import (
	"net/http"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

// AlertHandler lists fired alerts.
type AlertHandler struct {
	alertService service.AlertService
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alertService service.AlertService) *AlertHandler {
	return &AlertHandler{alertService: alertService}
}

// List handles GET /v1/alerts
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	limit, err := limitParam(r.URL.Query(), 50, 100)
	if err != nil {
		response.Error(w, err)
		return
	}

	events, err := h.alertService.List(r.Context(), uid, limit)
	if err != nil {
		response.Error(w, err)
		return
	}

	if events == nil {
		events = []*models.AlertEvent{}
	}
	response.OK(w, map[string]any{"alerts": events, "count": len(events)})
}
