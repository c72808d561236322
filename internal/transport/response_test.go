package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/pitabwire/formcard/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("card not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_wrapped_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("submitting: %w", model.NewConflictError("busy")))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for a wrapped envelope", w.Code)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "something went wrong") {
		t.Error("internal error text should not leak into the response")
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "resource missing")
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationError(w, []model.FieldError{
		{Field: "temp", Code: model.ErrFieldRequired, Message: "temp is required"},
	})
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestStatusFor_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrInternalError, 500},
		{model.ErrBackendUnavailable, 503},
		{model.ErrBackendTimeout, 504},
		{model.HassErrServiceError, 502},
		{model.HassErrTemplateError, 502},
		{model.HassErrUnknown, 502},
		{"SOMETHING_ELSE", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"value": 21.5}`},
		{name: "empty", body: "", wantErr: true},
		{name: "malformed", body: `{"value":`, wantErr: true},
		{name: "too large", body: `{"value":"` + strings.Repeat("x", maxBodyBytes) + `"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			var in inputRequest
			err := decodeBody(r, &in)
			if tt.wantErr {
				if model.CodeOf(err) != model.ErrBadRequest {
					t.Errorf("decodeBody() error = %v, want BAD_REQUEST", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeBody() error = %v", err)
			}
			if in.Value != 21.5 {
				t.Errorf("Value = %v, want 21.5", in.Value)
			}
		})
	}
}
