package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/ulid"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

// AccountHandler handles data export and erasure.
type AccountHandler struct {
	lifecycleService service.LifecycleService
	logger           *slog.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(lifecycleService service.LifecycleService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		lifecycleService: lifecycleService,
		logger:           logger,
	}
}

// Routes returns a chi router with account routes.
func (h *AccountHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/export", h.Export)
	r.Delete("/", h.Erase)
	return r
}

// Export handles GET /v1/account/export. With ?compression=gzip or zstd the
// bundle is sent as a compressed attachment instead of the JSON envelope.
func (h *AccountHandler) Export(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	compression := r.URL.Query().Get("compression")
	switch compression {
	case "", "none", "gzip", "zstd":
	default:
		response.Error(w, apierrors.NewValidationError("compression", "must be one of gzip zstd none"))
		return
	}

	bundle, err := h.lifecycleService.Export(r.Context(), uid, requestMeta(r))
	if err != nil {
		response.Error(w, err)
		return
	}

	if compression == "" || compression == "none" {
		response.OK(w, bundle)
		return
	}

	filename := fmt.Sprintf("export-%s.json.%s", bundle.GeneratedAt.Format("20060102T150405Z"), extension(compression))
	response.Attachment(w, contentType(compression), filename)

	if err := writeCompressed(w, compression, bundle); err != nil {
		// Headers are gone; the client sees a truncated stream.
		h.logger.Error("failed to stream export",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
	}
}

func writeCompressed(w io.Writer, compression string, v any) error {
	var zw io.WriteCloser
	switch compression {
	case "gzip":
		zw = gzip.NewWriter(w)
	case "zstd":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		zw = enc
	default:
		return fmt.Errorf("unsupported compression %q", compression)
	}

	if err := json.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func extension(compression string) string {
	if compression == "gzip" {
		return "gz"
	}
	return "zst"
}

func contentType(compression string) string {
	if compression == "gzip" {
		return "application/gzip"
	}
	return "application/zstd"
}

// Erase handles DELETE /v1/account
func (h *AccountHandler) Erase(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	receipt, err := h.lifecycleService.Erase(r.Context(), uid)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, receipt)
}

// Receipt handles GET /v1/erasure-receipts/{id}. Receipts of other users are
// reported as missing.
func (h *AccountHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if !ulid.Valid(id) {
		response.NotFound(w, "Erasure receipt")
		return
	}

	receipt, err := h.lifecycleService.GetReceipt(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	if receipt.UserID != uid {
		response.NotFound(w, "Erasure receipt")
		return
	}

	response.OK(w, receipt)
}
