package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"montage/internal/generator"
	"montage/internal/logging"
)

// handleCallback resumes a parked stage with the collaborator's result.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "transient", "scheduler unavailable")
		return
	}
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	var req CallbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	outcome := generator.Outcome{ContentRef: req.ContentRef, Kind: req.Kind, Extra: req.Extra}
	var callErr error
	if req.Error != nil {
		callErr = &generator.Error{Message: req.Error.Message, Retryable: req.Error.Retryable}
	}

	job, err := s.executor.Resume(r.Context(), token, outcome, callErr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("stage resumed by callback",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, job.CurrentStage),
		logging.String("status", string(job.Status)),
	)
	writeJSON(w, http.StatusOK, FromJob(job))
}
