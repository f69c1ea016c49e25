package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/passportd/passportd/pkg/engine"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind     string                 `json:"kind"`
	Category string                 `json:"category"`
	Message  string                 `json:"message"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// requestError is a malformed request. It never reaches the engine.
type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *requestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}

// statusFor maps a category to an HTTP status.
func statusFor(category engine.Category) int {
	switch category {
	case engine.CategoryNotFound:
		return http.StatusNotFound
	case engine.CategoryConflict:
		return http.StatusConflict
	case engine.CategoryInvalid:
		return http.StatusBadRequest
	case engine.CategoryTransient:
		return http.StatusServiceUnavailable
	case engine.CategoryForbidden:
		return http.StatusForbidden
	case engine.CategoryAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Kind:     "bad_request",
			Category: "bad_request",
			Message:  reqErr.Error(),
		}})
		return
	}

	detail := errorDetail{Message: err.Error()}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		detail.Kind = string(engErr.Kind)
		detail.Message = engErr.Message
		detail.Resource = engErr.Resource
		detail.Details = engErr.Details
	} else {
		detail.Kind = string(engine.KindUnhandled)
	}
	category := engine.ErrorKind(detail.Kind).Category()
	detail.Category = string(category)

	status := statusFor(category)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", detail.Kind).Msg("Request failed")
		if category == engine.CategoryFatal {
			detail.Message = "internal error"
			detail.Details = nil
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// decodeJSON decodes a single JSON document into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is empty", nil)
		}
		return badRequest("malformed request body", err)
	}
	if dec.More() {
		return badRequest("request body must hold a single JSON document", nil)
	}
	return nil
}

func (s *server) decodeAndValidate(r *http.Request, v interface{}) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	if err := s.validate.Struct(v); err != nil {
		return badRequest("request validation failed", err)
	}
	return nil
}
