package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/policy"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

// PolicySource exposes the loaded policy document.
type PolicySource interface {
	Current() policy.Snapshot
}

// ConsentHandler handles the privacy policy and consent endpoints.
type ConsentHandler struct {
	consentService service.ConsentService
	policies       PolicySource
	validate       *validator.Validate
}

// NewConsentHandler creates a new consent handler.
func NewConsentHandler(consentService service.ConsentService, policies PolicySource) *ConsentHandler {
	return &ConsentHandler{
		consentService: consentService,
		policies:       policies,
		validate:       newValidator(),
	}
}

// Routes returns a chi router with consent routes.
func (h *ConsentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/", h.Grant)
	r.Delete("/", h.Revoke)
	return r
}

// Policy handles GET /v1/policy
func (h *ConsentHandler) Policy(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.policies.Current())
}

// Get handles GET /v1/consent
func (h *ConsentHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	consent, err := h.consentService.Get(r.Context(), uid)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, consent)
}

// GrantConsentHTTPRequest is the HTTP request body for granting consent.
type GrantConsentHTTPRequest struct {
	PolicyVersion int `json:"policy_version" validate:"required,min=1"`
}

// Grant handles POST /v1/consent
func (h *ConsentHandler) Grant(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req GrantConsentHTTPRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	consent, err := h.consentService.Grant(r.Context(), uid, req.PolicyVersion, requestMeta(r))
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, consent)
}

// Revoke handles DELETE /v1/consent
func (h *ConsentHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	consent, err := h.consentService.Revoke(r.Context(), uid, requestMeta(r))
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, consent)
}
