package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serversentinel/sentinel/internal/alerting"
	"github.com/serversentinel/sentinel/internal/models"
)

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if clients == nil {
		clients = []models.Client{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, err := s.store.GetClient(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if client == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "client not found"})
		return
	}
	stats, err := s.alerts.Stats(r.Context(), id, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client": client, "alerts": stats})
}

func (s *Server) handleGetSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	limit := 500

	if t, err := parseTime(r, "from"); err != nil {
		s.writeError(w, r, err)
		return
	} else if t != nil {
		from = *t
	}
	if t, err := parseTime(r, "to"); err != nil {
		s.writeError(w, r, err)
		return
	} else if t != nil {
		to = *t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	samples, err := s.store.ListSamples(id, from, to, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []models.MetricSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

const maxSummaryHours = 720

// handleGetSampleSummary reports avg/max per metric over the last N hours.
func (s *Server) handleGetSampleSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hours, err := parseInt(r, "hours")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hours == 0 {
		hours = 24
	}
	if hours > maxSummaryHours {
		hours = maxSummaryHours
	}

	to := time.Now().UTC()
	agg, err := s.store.AggregateSamples(id, to.Add(-time.Duration(hours)*time.Hour), to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleListFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.store.ListFailedJobs(limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.FailedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": jobs})
}

// Runtime-tunable settings. All of them are numeric.
var settingKeys = map[string]struct{}{
	alerting.SettingSuppressionWindow:   {},
	alerting.SettingCriticalBand:        {},
	alerting.SettingSampleRetentionDays: {},
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetAllSettings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]string
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	for k, v := range settings {
		if _, known := settingKeys[k]; !known {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown setting " + k})
			return
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": k + " must be a non-negative number"})
			return
		}
	}

	for k, v := range settings {
		if err := s.store.SetSetting(k, strings.TrimSpace(v)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.logger.Info("settings updated", "user_id", UserFromContext(r.Context()).ID, "keys", len(settings))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
