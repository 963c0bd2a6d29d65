package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/approvals/internal/access"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// handlers binds the HTTP handlers to their collaborators.
type handlers struct {
	svc     *workflow.Service
	types   TypeSource
	policy  *access.Policy
	logger  *zap.Logger
	idem    idempotency.Store
	idemTTL time.Duration
}

// decodeBody reads a JSON request body into dst. An empty body is accepted
// only when optional is set. Unknown fields are rejected.
func (h *handlers) decodeBody(r *http.Request, dst any, optional bool) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("could not read request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if optional {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}

	logger := observability.RequestLogger(r.Context(), h.logger)
	if logger.Core().Enabled(zapcore.DebugLevel) {
		var raw map[string]any
		if json.Unmarshal(data, &raw) == nil {
			logger.Debug("request body", zap.Any("body", observability.RedactBody(raw, nil)))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

// pathInt64 parses a positive integer URL parameter.
func pathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewBadRequestError(name + " must be a positive integer")
	}
	return id, nil
}

// typeOf resolves the bundle's type, or nil when it is not registered.
func (h *handlers) typeOf(b model.Bundle) *model.ApplicationType {
	t, ok := h.types.Lookup(b.Application.TypeID)
	if !ok {
		return nil
	}
	return &t
}

// loadVisible fetches the application named by the {id} parameter. An
// application the caller may not see is reported as not found.
func (h *handlers) loadVisible(r *http.Request) (model.Bundle, *model.ApplicationType, error) {
	id, err := pathInt64(r, "id")
	if err != nil {
		return model.Bundle{}, nil, err
	}
	b, err := h.svc.GetApplication(r.Context(), id)
	if err != nil {
		return model.Bundle{}, nil, err
	}
	t := h.typeOf(b)
	if !h.policy.Visible(model.RequestContextFrom(r.Context()), b, t) {
		return model.Bundle{}, nil, model.NewApplicationNotFoundError(id)
	}
	return b, t, nil
}

func requiredField(field, msg string) *model.ErrorEnvelope {
	return model.NewValidationError([]model.FieldError{{Field: field, Code: "REQUIRED", Message: msg}})
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if model.CodeOf(err) == model.ErrInternalError {
		observability.RequestLogger(r.Context(), h.logger).Error("request failed", zap.Error(err))
	}
	writeRequestError(w, r, err)
}
