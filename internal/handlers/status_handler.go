package handlers

import (
	"net/http"
	"strconv"

	"dvc-server/internal/metrics"
)

type StatusHandlers struct {
	Metrics *metrics.MetricsService
}

func NewStatusHandlers(ms *metrics.MetricsService) *StatusHandlers {
	return &StatusHandlers{Metrics: ms}
}

// StatusHandler returns the live counter values
func (h *StatusHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.Metrics.CurrentSnapshot())
}

// StatusHistoryHandler returns persisted snapshots from the last N minutes
func (h *StatusHandlers) StatusHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "minutes must be a positive integer", http.StatusBadRequest)
			return
		}
		minutes = parsed
	}

	snapshots, err := h.Metrics.GetSnapshotHistory(minutes)
	if err != nil {
		http.Error(w, "Failed to load snapshot history", http.StatusInternalServerError)
		return
	}

	writeJSON(w, snapshots)
}
