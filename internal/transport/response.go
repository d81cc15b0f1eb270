// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the stageflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrForbidden:        http.StatusForbidden,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrConflict:         http.StatusConflict,
	model.ErrValidationFailed: http.StatusUnprocessableEntity,
	model.ErrStoreFailure:     http.StatusServiceUnavailable,
	model.ErrInternalError:    http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status, ok := statusForCode[ee.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError writes err with the active trace id attached and logs
// server-side failures.
func writeRequestError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	if status := statusForCode[ee.Code]; status == 0 || status >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), logger).Error("request failed",
			zap.String("code", ee.Code),
			zap.Error(err),
		)
	}
	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	WriteError(w, &out)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
