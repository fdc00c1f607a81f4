package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// jsonResponse writes data as JSON. 204 responses and nil data get no body.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("api response encode failed", "status", status, "error", err)
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// internalError logs err and answers 500 without leaking transcript paths or
// SQL text to the client.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	jsonError(w, http.StatusInternalServerError, "internal error")
}
