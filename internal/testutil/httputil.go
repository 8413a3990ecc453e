// Package testutil holds helpers shared by package tests.
package testutil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"testing"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode response body: %v", err)
	}
}

// DecodeJSON decodes a request body into v.
func DecodeJSON(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("failed to decode request: %v", err)
	}
}

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
