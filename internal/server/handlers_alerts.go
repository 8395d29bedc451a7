package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/models"
)

func alertID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("id", "must be a positive integer")
	}
	return id, nil
}

func parseTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Invalid(key, "must be an RFC3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}

func parseInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Invalid(key, "must be a non-negative integer")
	}
	return n, nil
}

func parseAlertQuery(r *http.Request) (models.AlertQuery, error) {
	q := r.URL.Query()
	aq := models.AlertQuery{
		ClientID: q.Get("clientId"),
		Status:   strings.ToUpper(q.Get("status")),
		Severity: strings.ToUpper(q.Get("severity")),
	}
	var err error
	if aq.From, err = parseTime(r, "from"); err != nil {
		return aq, err
	}
	if aq.To, err = parseTime(r, "to"); err != nil {
		return aq, err
	}
	if aq.Page, err = parseInt(r, "page"); err != nil {
		return aq, err
	}
	if aq.Limit, err = parseInt(r, "limit"); err != nil {
		return aq, err
	}
	return aq, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q, err := parseAlertQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.alerts.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.Alerts == nil {
		page.Alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	hours, err := parseInt(r, "hours")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.alerts.Stats(r.Context(), r.URL.Query().Get("clientId"), hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAlertDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.alerts.Deliveries(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []models.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": records})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "acknowledge", s.alerts.Acknowledge)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "close", s.alerts.Close)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, action string, apply func(context.Context, int64, string) (*models.Alert, error)) {
	id, err := alertID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user := UserFromContext(r.Context())
	a, err := apply(r.Context(), id, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("alert updated", "action", action, "alert_id", id, "user_id", user.ID, "status", a.Status)
	writeJSON(w, http.StatusOK, a)
}
