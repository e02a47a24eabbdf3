package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hfujisawa/foamrun/internal/common"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError maps domain errors onto HTTP responses in one place. Client
// mistakes come back verbatim; anything unexpected is logged loudly and
// hidden behind a generic message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, logMsg string, err error) {
	code, status := classifyError(err)
	reqID := common.RequestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error(logMsg, "request_id", reqID, "err", err)
		writeJSON(w, status, errorBody{Error: "internal server error", Code: code})
		return
	}
	s.logger.Warn(logMsg, "request_id", reqID, "err", err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, common.ErrValidation):
		return "VALIDATION", http.StatusBadRequest
	case errors.Is(err, common.ErrJobNotFound), errors.Is(err, common.ErrProcessNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, common.ErrInvalidTransition), errors.Is(err, common.ErrDirClaimed):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, common.ErrResourceExhausted):
		return "RESOURCE_EXHAUSTED", http.StatusServiceUnavailable
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
