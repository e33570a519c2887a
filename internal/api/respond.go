package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"montage/internal/logging"
	"montage/internal/services"
)

const maxBodyBytes = 4 << 20

type errorClassifier interface {
	ErrorKind() string
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

// writeServiceError maps an error's classification onto an HTTP status.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errorKind(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	writeError(w, status, kind, services.Details(err))
}

func errorKind(err error) string {
	var classified errorClassifier
	if errors.As(err, &classified) {
		if kind := classified.ErrorKind(); kind != "" {
			return kind
		}
	}
	return services.ErrorKind(err)
}

func statusForKind(kind string) int {
	switch kind {
	case "validation", "configuration":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict", "stale":
		return http.StatusConflict
	case "permanent":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// decodeBody reads a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return services.Wrap(services.ErrValidation, "api", "decode", fmt.Sprintf("invalid request body: %v", err), nil)
	}
	return nil
}
