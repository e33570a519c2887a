package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"montage/internal/batch"
	"montage/internal/store"
)

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	created, items, err := s.batches.Create(r.Context(), batch.CreateRequest{
		Name:     req.Name,
		JobType:  req.JobType,
		Config:   req.Config,
		Priority: req.Priority,
		Items:    req.Items,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := BatchResponse{Batch: FromBatch(created), Items: make([]BatchItem, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, FromBatchItem(item))
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	list, err := s.batches.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := BatchListResponse{Batches: make([]Batch, 0, len(list))}
	for _, b := range list {
		resp.Batches = append(resp.Batches, FromBatch(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.batches.Status(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromBatchReport(report))
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if err := s.batches.VerifyConfig(r.Context(), batchID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	b, err := s.batches.Get(r.Context(), batchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{BatchID: b.ID, ConfigHash: b.ConfigHash, Verified: true})
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	item, err := s.batches.AddItem(r.Context(), chi.URLParam(r, "batchID"), raw)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromBatchItem(item))
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := s.batches.RemoveItem(r.Context(), chi.URLParam(r, "batchID"), chi.URLParam(r, "itemID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Lock(r.Context(), chi.URLParam(r, "batchID"))
	s.respondBatch(w, r, b, err, true)
}

func (s *Server) handlePauseBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Pause(r.Context(), chi.URLParam(r, "batchID"))
	s.respondBatch(w, r, b, err, false)
}

func (s *Server) handleResumeBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Resume(r.Context(), chi.URLParam(r, "batchID"))
	s.respondBatch(w, r, b, err, true)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Cancel(r.Context(), chi.URLParam(r, "batchID"))
	s.respondBatch(w, r, b, err, false)
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	report, err := s.batches.RetryFailed(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(report.Requeued) > 0 {
		s.wake()
	}
	if report.Requeued == nil {
		report.Requeued = []batch.RetriedItem{}
	}
	if report.Exhausted == nil {
		report.Exhausted = []string{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) respondBatch(w http.ResponseWriter, r *http.Request, b *store.Batch, err error, wake bool) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if wake {
		s.wake()
	}
	writeJSON(w, http.StatusOK, BatchResponse{Batch: FromBatch(b)})
}
