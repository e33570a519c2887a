package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/workflow"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req workflow.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	job, err := s.machine.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, FromJob(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.JobFilter{
		BatchID: strings.TrimSpace(query.Get("batch")),
		JobType: strings.TrimSpace(query.Get("type")),
	}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := store.ParseJobStatus(part)
			if !ok {
				writeError(w, http.StatusBadRequest, "validation", "unknown job status "+strconv.Quote(part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	jobs, err := s.machine.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: FromJobs(jobs)})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	view, err := s.machine.Inspect(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromJobView(view))
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	state, err := s.machine.Recover(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromRecoveredState(state))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	job, err := s.machine.Advance(r.Context(), chi.URLParam(r, "jobID"))
	s.respondJob(w, r, job, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ArtifactID) == "" {
		writeError(w, http.StatusBadRequest, "validation", "artifact_id is required")
		return
	}
	outcome, err := s.machine.Approve(r.Context(), chi.URLParam(r, "jobID"), req.ArtifactID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if outcome.Advanced {
		s.wake()
	}
	writeJSON(w, http.StatusOK, ApproveResponse{
		Result:   string(outcome.Result),
		Advanced: outcome.Advanced,
		Artifact: FromArtifact(outcome.Artifact),
		Job:      FromJob(outcome.Job),
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ArtifactID) == "" {
		writeError(w, http.StatusBadRequest, "validation", "artifact_id is required")
		return
	}
	job, err := s.machine.Reject(r.Context(), chi.URLParam(r, "jobID"), req.ArtifactID, req.Reason)
	s.respondJob(w, r, job, err)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Stage) == "" {
		writeError(w, http.StatusBadRequest, "validation", "stage is required")
		return
	}
	job, err := s.machine.Rollback(r.Context(), chi.URLParam(r, "jobID"), req.Stage)
	s.respondJob(w, r, job, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.machine.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	s.respondJob(w, r, job, err)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req ForkRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Stage) == "" {
		writeError(w, http.StatusBadRequest, "validation", "stage is required")
		return
	}
	job, err := s.machine.Fork(r.Context(), chi.URLParam(r, "jobID"), req.Stage, workflow.ForkOptions{BatchID: req.BatchID})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, FromJob(job))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ArtifactID) == "" {
		s.writeServiceError(w, r, services.Wrap(services.ErrValidation, "api", "invalidate", "artifact_id is required", nil))
		return
	}
	res, err := s.machine.Invalidate(r.Context(), chi.URLParam(r, "jobID"), req.ArtifactID, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromInvalidationResult(res))
}

func (s *Server) respondJob(w http.ResponseWriter, r *http.Request, job *store.Job, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if job != nil && job.Status == store.JobPending {
		s.wake()
	}
	writeJSON(w, http.StatusOK, FromJob(job))
}

func (s *Server) wake() {
	if s.executor != nil {
		s.executor.Wake()
	}
}
