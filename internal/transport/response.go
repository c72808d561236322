// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the card API.
package transport

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pitabwire/formcard/model"
)

// maxBodyBytes caps request bodies read by the handlers.
const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusServiceUnavailable,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,

	// Errors reported by Home Assistant.
	model.HassErrNotFound:      http.StatusBadGateway,
	model.HassErrTemplateError: http.StatusBadGateway,
	model.HassErrServiceError:  http.StatusBadGateway,
	model.HassErrInvalidFormat: http.StatusBadGateway,
	model.HassErrUnknown:       http.StatusBadGateway,
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
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes the first ErrorEnvelope in err's chain as a JSON
// response with the matching HTTP status code. Any other error becomes a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// decodeBody reads a JSON request body into dst. Bodies over maxBodyBytes
// and malformed JSON are reported as BAD_REQUEST.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.NewBadRequestError("reading request body: " + err.Error())
	}
	if len(body) > maxBodyBytes {
		return model.NewBadRequestError("request body too large")
	}
	if len(body) == 0 {
		return model.NewBadRequestError("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}
