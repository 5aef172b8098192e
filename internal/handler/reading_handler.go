package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

const (
	defaultReadingLimit = 100
	maxReadingLimit     = 1000
)

// ReadingHandler handles the health record endpoints.
type ReadingHandler struct {
	readingService service.ReadingService
	validate       *validator.Validate
}

// NewReadingHandler creates a new reading handler.
func NewReadingHandler(readingService service.ReadingService) *ReadingHandler {
	return &ReadingHandler{
		readingService: readingService,
		validate:       newValidator(),
	}
}

// Routes returns a chi router with reading routes.
func (h *ReadingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Append)
	r.Get("/", h.List)
	r.Post("/{id}/supersede", h.Supersede)
	return r
}

// ReadingHTTPRequest is the HTTP request body for appending or correcting a reading.
type ReadingHTTPRequest struct {
	Metric     string     `json:"metric,omitempty"`
	Value      *float64   `json:"value" validate:"required"`
	Unit       string     `json:"unit,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Source     string     `json:"source,omitempty" validate:"omitempty,oneof=manual cgm import"`
	Note       string     `json:"note,omitempty" validate:"max=500"`
	DedupToken string     `json:"dedup_token,omitempty" validate:"max=128"`
}

func (req ReadingHTTPRequest) toNewReading() models.NewReading {
	in := models.NewReading{
		Metric:     models.Metric(req.Metric),
		Value:      *req.Value,
		Unit:       req.Unit,
		Source:     models.ReadingSource(req.Source),
		Note:       req.Note,
		DedupToken: req.DedupToken,
	}
	if req.Timestamp != nil {
		in.Timestamp = req.Timestamp.UTC()
	}
	return in
}

// Append handles POST /v1/readings
func (h *ReadingHandler) Append(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req ReadingHTTPRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	result, err := h.readingService.Append(r.Context(), uid, req.toNewReading())
	if err != nil {
		response.Error(w, err)
		return
	}

	if result.Created {
		response.Created(w, result)
		return
	}
	response.OK(w, result)
}

// Supersede handles POST /v1/readings/{id}/supersede
func (h *ReadingHandler) Supersede(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	seq, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || seq < 1 {
		response.Error(w, apierrors.NewValidationError("id", "invalid reading id"))
		return
	}

	var req ReadingHTTPRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	result, err := h.readingService.Supersede(r.Context(), uid, seq, req.toNewReading())
	if err != nil {
		response.Error(w, err)
		return
	}

	if result.Created {
		response.Created(w, result)
		return
	}
	response.OK(w, result)
}

// List handles GET /v1/readings
func (h *ReadingHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, hasFrom, err := timeParam(q, "from")
	if err != nil {
		response.Error(w, err)
		return
	}
	to, hasTo, err := timeParam(q, "to")
	if err != nil {
		response.Error(w, err)
		return
	}
	if !hasFrom || !hasTo {
		response.Error(w, apierrors.NewValidationError("from", "from and to are required"))
		return
	}
	limit, err := limitParam(q, defaultReadingLimit, maxReadingLimit)
	if err != nil {
		response.Error(w, err)
		return
	}

	readings, err := h.readingService.List(r.Context(), models.ReadingQuery{
		UserID:        uid,
		Range:         models.TimeRange{From: from, To: to},
		Metric:        models.Metric(q.Get("metric")),
		EffectiveOnly: boolParam(q, "effective"),
	}, limit)
	if err != nil {
		response.Error(w, err)
		return
	}

	if readings == nil {
		readings = []*models.Reading{}
	}
	response.OK(w, map[string]any{"readings": readings, "count": len(readings)})
}
