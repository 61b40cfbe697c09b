package boundary

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/registry"
)

// FieldError is one entry of a validation error body, the
// {detail: [{loc, msg, type}]} shape.
type FieldError struct {
	Loc  string `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// errorBody is the JSON envelope every non-2xx response carries.
type errorBody struct {
	Detail any `json:"detail"`
}

// writeError maps err to its HTTP status code and stable
// `error.data.kind` string, and writes the JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: kind + ": " + err.Error()})
}

// writeValidationError writes a 422 with the {loc, msg, type} shape for
// structured field-level validation failures (mapstructure's ErrorUnused
// rejections, missing required fields).
func writeValidationError(w http.ResponseWriter, fields []FieldError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: fields})
}

// writeBadRequest writes a plain-string-detail 400, for malformed requests
// that never reach field-level validation (a body naming neither message
// nor resume_payload).
func writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: msg})
}

// classify maps an internal error to its (status, kind) pair. Boundary-
// and registry-level errors are matched here; everything else delegates
// its kind string to graph.ErrorKind, the single source of the error
// taxonomy, so the two classifiers cannot drift apart.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errVersionMismatch):
		return http.StatusBadRequest, "version_mismatch"
	case errors.Is(err, registry.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, registry.ErrNotSuspended):
		return http.StatusConflict, "not_suspended"
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrUnknownInterrupt):
		return http.StatusNotFound, "not_found"
	}

	kind := graph.ErrorKind(err)
	switch kind {
	case "not_found":
		return http.StatusNotFound, kind
	case "conflict", "cancelled", "recursion_limit", "retry_exhausted", "execution_timeout":
		return http.StatusUnprocessableEntity, kind
	case "persistence_failure":
		return http.StatusInternalServerError, kind
	default:
		// node_error and anything future ErrorKind learns to name: a
		// checkpointer or engine defect should never present as a client
		// mistake.
		return http.StatusInternalServerError, kind
	}
}
