package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusCreated, map[string]int{"count": 5}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	// Channels cannot be encoded.
	assert.Error(t, WriteJSON(httptest.NewRecorder(), http.StatusOK, make(chan int)))
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
		wantLogged  bool
	}{
		{
			name:        "parse error echoes cause",
			err:         fmt.Errorf("%w: page must be at least 1", apperrors.ErrParse),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "parse_error",
			wantMessage: "parse error: page must be at least 1",
		},
		{
			name:        "unknown view",
			err:         fmt.Errorf("%w: view \"x\" is not registered", apperrors.ErrNotFound),
			wantStatus:  http.StatusNotFound,
			wantCode:    "not_found",
			wantMessage: "not found: view \"x\" is not registered",
		},
		{
			name:        "no backend",
			err:         apperrors.ErrNoBackendAvailable,
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    "no_backend_available",
			wantMessage: "Failed to load",
			wantLogged:  true,
		},
		{
			name:        "backend failure hides detail",
			err:         apperrors.NewBackendError("postgres", "payments", "select", fmt.Errorf("password=hunter2 rejected")),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "backend_error",
			wantMessage: "Failed to load",
			wantLogged:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			w := httptest.NewRecorder()

			writeServiceError(w, zap.New(core), "Failed to load", tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body["error"])
			assert.Equal(t, tt.wantMessage, body["message"])
			assert.Equal(t, tt.wantLogged, logs.FilterMessage("Failed to load").Len() == 1)
		})
	}
}
