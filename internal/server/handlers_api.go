package server

import (
	"encoding/json"
	"net/http"

	"github.com/serversentinel/sentinel/internal/intake"
	"github.com/serversentinel/sentinel/internal/models"
)

const maxIngestBody = 1 << 20

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := s.intake.Ingest(r.Context(), req)
	if err != nil {
		if intake.IsRejection(err) {
			s.logger.Debug("sample rejected", "client_id", req.ClientID,
				"session", r.Header.Get("X-Agent-Session"), "err", err)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
