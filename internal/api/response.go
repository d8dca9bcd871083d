package api

import (
	"encoding/json"
	"net/http"

	"github.com/strefethen/sonos-remote/internal/apperrors"
)

// ErrorResponse wraps an error payload.
type ErrorResponse struct {
	Error apperrors.ErrorBody `json:"error"`
}

// WriteJSON sends a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// WriteError serializes an AppError.
// Response format: {"error": {"code": "...", "message": "..."}}
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.EnsureAppError(err)
	_ = WriteJSON(w, appErr.StatusCode, ErrorResponse{Error: appErr.Body()})
}

// WriteList writes a collection response keyed by name.
// Example: {"request_id": "...", "devices": [...]}
func WriteList(w http.ResponseWriter, r *http.Request, key string, items any) error {
	return WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": GetRequestID(r),
		key:          items,
	})
}
