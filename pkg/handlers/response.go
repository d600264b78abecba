package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
)

// ApiResponse is the standard envelope for JSON responses.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// statusForError maps a data-access error onto an HTTP status code.
func statusForError(err error) int {
	switch apperrors.Classify(err) {
	case apperrors.KindParse:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindUnsupportedOperation:
		return http.StatusNotImplemented
	case apperrors.KindPoolExhausted, apperrors.KindNoBackendAvailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, apperrors.ErrConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeServiceError logs err and writes it with the status its kind maps to.
// Server-side failures get a generic message; client errors echo the cause.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, msg string, err error) {
	status := statusForError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		message = msg
	}
	if err := ErrorResponse(w, status, string(apperrors.Classify(err)), message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, logger *zap.Logger, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
