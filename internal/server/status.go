package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// StatusHandler serves the controller's diagnostic snapshot as JSON.
func StatusHandler(ctrl Controller, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(ctrl.Status()); err != nil {
			logger.Debug("writing status failed", slog.String("error", err.Error()))
		}
	})
}
