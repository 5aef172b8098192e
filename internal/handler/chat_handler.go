package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

// ChatHandler exposes the disclaimer gate to the chat assistant.
type ChatHandler struct {
	disclaimerService service.DisclaimerService
	validate          *validator.Validate
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(disclaimerService service.DisclaimerService) *ChatHandler {
	return &ChatHandler{
		disclaimerService: disclaimerService,
		validate:          newValidator(),
	}
}

// DisclaimHTTPRequest is the HTTP request body for wrapping a chat response.
type DisclaimHTTPRequest struct {
	Response string `json:"response" validate:"required"`
}

// Disclaim handles POST /v1/chat/disclaim
func (h *ChatHandler) Disclaim(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req DisclaimHTTPRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	wrapped, err := h.disclaimerService.Wrap(r.Context(), uid, req.Response)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, wrapped)
}
