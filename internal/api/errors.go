package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/packflow/internal/automation"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
)

// Request errors raised by the RPC layer itself.
var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("authentication required")
	errForbidden    = errors.New("insufficient permissions")
	errNotFound     = errors.New("not found")
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeRPCSuccess writes {"success": true} merged with fields.
func writeRPCSuccess(w http.ResponseWriter, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

// writeRPCError writes a failed RPC response for err.
func writeRPCError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// classify maps an error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, automation.ErrInvalidEvent),
		errors.Is(err, automation.ErrInvalidPack),
		errors.Is(err, automation.ErrInvalidTrigger),
		errors.Is(err, automation.ErrInvalidChain),
		errors.Is(err, automation.ErrInvalidCondition):
		return http.StatusBadRequest, ErrCodeBadRequest

	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, ErrCodeUnauthorized

	case errors.Is(err, errForbidden):
		return http.StatusForbidden, ErrCodeForbidden

	case errors.Is(err, errNotFound),
		errors.Is(err, automation.ErrExecutionNotFound),
		errors.Is(err, automation.ErrChainNotFound),
		errors.Is(err, automation.ErrChainInactive),
		errors.Is(err, automation.ErrChainExecutionNotFound),
		errors.Is(err, automation.ErrPackNotFound):
		return http.StatusNotFound, ErrCodeNotFound

	case errors.Is(err, automation.ErrExecutionTerminal),
		errors.Is(err, automation.ErrExecutionRunning),
		errors.Is(err, automation.ErrVersionConflict),
		errors.Is(err, automation.ErrChainNotRunning):
		return http.StatusConflict, ErrCodeConflict
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
