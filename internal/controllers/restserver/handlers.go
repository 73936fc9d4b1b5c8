package restserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/types"
)

// Handlers contains all HTTP handlers for the REST server.
type Handlers struct {
	controller *Controller
}

// NewHandlers creates a new handlers instance.
func NewHandlers(ctrl *Controller) *Handlers {
	return &Handlers{controller: ctrl}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// metricParam parses the optional ?metric= query. An empty metric means
// all metrics for endpoints that support it.
func metricParam(req *http.Request) (types.Metric, bool) {
	raw := req.URL.Query().Get("metric")
	if raw == "" {
		return "", true
	}
	m, err := types.ParseMetric(raw)
	if err != nil {
		return "", false
	}
	return m, true
}

func limitParam(req *http.Request, def int) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func sinceParam(req *http.Request, def time.Time) (time.Time, bool) {
	raw := req.URL.Query().Get("since")
	if raw == "" {
		return def, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// GetHealth reports liveness and basic store reachability.
func (h *Handlers) GetHealth(w http.ResponseWriter, req *http.Request) {
	stations, err := h.controller.store.ListStations(req.Context())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"stations": len(stations),
	})
}

// GetStations lists all known stations.
func (h *Handlers) GetStations(w http.ResponseWriter, req *http.Request) {
	stations, err := h.controller.store.ListStations(req.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stations == nil {
		stations = []types.Station{}
	}
	h.writeJSON(w, http.StatusOK, stations)
}

// GetLatest returns the most recent reading per station for one metric.
func (h *Handlers) GetLatest(w http.ResponseWriter, req *http.Request) {
	metric, ok := metricParam(req)
	if !ok || metric == "" {
		h.writeError(w, http.StatusBadRequest, "valid metric query parameter required")
		return
	}
	since, ok := sinceParam(req, time.Now().UTC().Add(-24*time.Hour))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}

	readings, err := h.controller.store.LatestReadings(req.Context(), metric, since)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if readings == nil {
		readings = []types.Reading{}
	}
	h.writeJSON(w, http.StatusOK, readings)
}

// GetScores returns recent score rows, newest first.
func (h *Handlers) GetScores(w http.ResponseWriter, req *http.Request) {
	metric, ok := metricParam(req)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown metric")
		return
	}
	scores, err := h.controller.store.LatestScores(req.Context(), metric, limitParam(req, 100))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scores == nil {
		scores = []types.Score{}
	}
	h.writeJSON(w, http.StatusOK, scores)
}

// GetAlerts returns recent alerts, newest first.
func (h *Handlers) GetAlerts(w http.ResponseWriter, req *http.Request) {
	metric, ok := metricParam(req)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown metric")
		return
	}
	since, ok := sinceParam(req, time.Now().UTC().Add(-24*time.Hour))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}

	alerts, err := h.controller.store.LatestAlerts(req.Context(), metric, since, limitParam(req, 100))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	h.writeJSON(w, http.StatusOK, alerts)
}

// GetCounts summarizes recent alert volume by metric and type.
func (h *Handlers) GetCounts(w http.ResponseWriter, req *http.Request) {
	since, ok := sinceParam(req, time.Now().UTC().Add(-24*time.Hour))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}

	alerts, err := h.controller.store.LatestAlerts(req.Context(), "", since, 0)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	counts := make(map[string]map[string]int)
	for _, a := range alerts {
		byType, ok := counts[string(a.Metric)]
		if !ok {
			byType = make(map[string]int)
			counts[string(a.Metric)] = byType
		}
		byType[a.Type]++
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"since":  since.Format(time.RFC3339),
		"counts": counts,
	})
}
