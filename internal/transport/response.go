// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the approvals API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrForbidden:           http.StatusForbidden,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrApplicationNotFound: http.StatusNotFound,
	model.ErrTypeNotFound:        http.StatusNotFound,
	model.ErrLockTimeout:         http.StatusConflict,
}

// WriteJSON writes body as JSON with the given status. A nil body writes
// only the status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as a JSON ErrorEnvelope with the matching HTTP
// status. Anything that does not wrap an *ErrorEnvelope becomes a generic
// 500 so internal details never leak.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace id on the
// envelope, so a client can quote it when reporting a failure.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := observability.TraceIDFromContext(r.Context())
	if traceID == "" {
		WriteError(w, err)
		return
	}
	withTrace := *model.NewInternalError()
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		withTrace = *ee
	}
	withTrace.TraceID = traceID
	WriteError(w, &withTrace)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
