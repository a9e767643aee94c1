package httpHelpers

import (
	"log/slog"
	"net/http"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
)

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"msg": msg})
}

func WriteOutput(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSON encodes before touching the response so an encoding failure can
// still become a 500.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	body, err := jsoncodec.Marshal(data)
	if err != nil {
		slog.Error("Error encoding JSON", "error", err)
		http.Error(w, "Error encoding JSON", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body = append(body, '\n')
	if _, err := w.Write(body); err != nil {
		slog.Debug("Error writing response", "error", err)
	}
}
