package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if _, ok := apperr.AsPartial(err); ok {
		return http.StatusMultiStatus
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvariant, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status its kind maps to. Server
// side failures are logged and their detail is not exposed.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		msg = ae.Msg
	}
	if status >= http.StatusInternalServerError {
		middleware.RequestLogger(r.Context(), log).Error("request failed", zap.Error(err))
		msg = http.StatusText(status)
	}
	writeError(w, status, msg)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// identity returns the caller or writes 401.
func identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	ident, ok := middleware.GetIdentity(r.Context())
	if !ok || ident.UID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return model.Identity{}, false
	}
	return ident, true
}

// pathID reads and validates a URL id.
func pathID(w http.ResponseWriter, kind, id string) (string, bool) {
	if err := middleware.ValidateID(kind, id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
