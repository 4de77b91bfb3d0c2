package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/ingest"
	"github.com/eth2030/timber/tree"
)

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type response struct {
	Data  interface{}    `json:"data,omitempty"`
	Error *responseError `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error to the HTTP status reported for it. Specific
// causes are checked before IngestionError, which wraps them.
func statusFor(err error) int {
	var (
		boundary *tree.BoundaryError
		outRange *tree.OutOfRangeError
		dup      *tree.DuplicateLeafError
	)
	switch {
	case errors.Is(err, ingest.ErrUnknownTree),
		errors.Is(err, ingest.ErrUnknownContract),
		errors.Is(err, tree.ErrMissingNode):
		return http.StatusNotFound
	case errors.As(err, &boundary),
		errors.Is(err, errBadRequest),
		errors.Is(err, tree.ErrBadHeight),
		errors.Is(err, crypto.ErrUnknownHasher),
		errors.Is(err, crypto.ErrBadHashLength):
		return http.StatusBadRequest
	case errors.As(err, &dup),
		errors.Is(err, tree.ErrLeafGap),
		errors.Is(err, tree.ErrTreeFull),
		errors.Is(err, tree.ErrConfigMismatch),
		errors.Is(err, ingest.ErrContractMismatch):
		return http.StatusConflict
	case errors.As(err, &outRange):
		return http.StatusRequestedRangeNotSatisfiable
	case ingest.IsIngestionError(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, response{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.log.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, response{Error: &responseError{Code: status, Message: err.Error()}})
}
