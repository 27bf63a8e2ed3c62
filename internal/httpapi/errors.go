package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"compass/internal/aggregator"
	"compass/internal/hil"
	"compass/internal/skills"
	"compass/internal/store"
	"compass/internal/vector"
	"compass/pkg/logging"
)

// JSON-RPC style error codes. The -32000..-32099 range carries the
// aggregator-specific conditions.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeServerUnavailable     = -32000
	codeServerBusy            = -32001
	codeAuthorizationRequired = aggregator.CodeAuthorizationRequired
	codeServerDrained         = -32003
	codeVectorOverflow        = -32004
	codeUnauthorized          = -32010
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("HTTP", "Writing response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status, code int, message string, data any) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Data: data}})
}

// writeDomainError maps service errors onto HTTP status + error code.
func writeDomainError(w http.ResponseWriter, err error) {
	var authErr *aggregator.AuthorizationRequiredError
	switch {
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, codeAuthorizationRequired, authErr.Error(), map[string]string{
			"request_id": authErr.RequestID,
			"tool_name":  authErr.ToolName,
		})
	case errors.Is(err, aggregator.ErrServerUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeServerUnavailable, err.Error(), nil)
	case errors.Is(err, aggregator.ErrServerBusy):
		writeError(w, http.StatusServiceUnavailable, codeServerBusy, err.Error(), nil)
	case errors.Is(err, aggregator.ErrServerDrained):
		writeError(w, http.StatusServiceUnavailable, codeServerDrained, err.Error(), nil)
	case errors.Is(err, aggregator.ErrToolNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeMethodNotFound, err.Error(), nil)
	case errors.Is(err, aggregator.ErrNameTaken), errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, vector.ErrOverflow):
		writeError(w, http.StatusInsufficientStorage, codeVectorOverflow, err.Error(), nil)
	case errors.Is(err, skills.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error(), nil)
	default:
		logging.Error("HTTP", err, "Unhandled API error")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

// writeHILError maps orchestrator errors onto HTTP status + error code.
func writeHILError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hil.ErrNotFound):
		writeError(w, http.StatusNotFound, codeMethodNotFound, err.Error(), nil)
	case errors.Is(err, hil.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, hil.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
	}
}
