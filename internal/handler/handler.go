// Package handler provides HTTP handlers for the health-data API.
package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/middleware"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
)

const maxBodyBytes = 1 << 20

// userID returns the authenticated user or writes 401.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.GetUserID(r.Context())
	if id == "" {
		response.Error(w, apierrors.ErrUnauthorized)
		return "", false
	}
	return id, true
}

// requestMeta captures the client address and user agent for consent and
// audit records. RemoteAddr is already the real client IP behind RealIP.
func requestMeta(r *http.Request) models.ConsentContext {
	var meta models.ConsentContext

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		meta.IPAddress = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		meta.UserAgent = &ua
	}
	return meta
}

// decode reads a JSON body into dst and runs struct validation. It writes the
// error response itself and reports whether the handler may continue.
func decode(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = validationMessage(fe)
			}
			response.ValidationErrors(w, fields)
			return false
		}
		response.Error(w, apierrors.ErrBadRequest.WithMessage(err.Error()))
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "is invalid"
}

// newValidator returns a validator that names fields by their json tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// timeParam parses an optional RFC 3339 query parameter.
func timeParam(q url.Values, name string) (time.Time, bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, apierrors.NewValidationError(name, "must be an RFC 3339 timestamp")
	}
	return t.UTC(), true, nil
}

// limitParam parses ?limit, defaulting to def and capping at max.
func limitParam(q url.Values, def, max int) (int, error) {
	raw := q.Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apierrors.NewValidationError("limit", "must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func boolParam(q url.Values, name string) bool {
	b, _ := strconv.ParseBool(q.Get(name))
	return b
}
