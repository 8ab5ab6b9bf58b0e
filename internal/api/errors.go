package api

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/httprunner/EmuAgent/internal/registry"
)

// Error is the JSON body of every failed request.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadRequest = "bad_request"
	codeNotFound   = "not_found"
	codeConflict   = "conflict"
	codeRefused    = "refused"
	codeInternal   = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeControllerError maps controller errors onto status codes.
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case registry.IsRefused(err):
		writeError(w, http.StatusConflict, codeRefused, err.Error())
	case errors.Is(err, registry.ErrRoundInProgress):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case matchesAny(err, s.notFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case matchesAny(err, s.badRequest):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
