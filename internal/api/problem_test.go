package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/fieldkit/internal/completion"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/resolve"
	"github.com/hyperengineering/fieldkit/internal/store"
	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

func TestWriteProblem(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/sync", nil)

	WriteProblem(w, r, http.StatusServiceUnavailable, "Remote server unavailable")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Problem{
		Type:     "https://fieldkit.dev/errors/service-unavailable",
		Title:    "Service Unavailable",
		Status:   503,
		Detail:   "Remote server unavailable",
		Instance: "/api/v1/sync",
	}
	if p != want {
		t.Errorf("problem = %+v, want %+v", p, want)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProblem(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot, "short and stout")

	var p Problem
	_ = json.Unmarshal(w.Body.Bytes(), &p)
	if p.Type != "https://fieldkit.dev/errors/unknown" || p.Title != "I'm a teapot" {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteProblemWithErrors(t *testing.T) {
	w := httptest.NewRecorder()
	errs := []validation.ValidationError{{Field: "value", Message: "must be a number"}}

	WriteProblemWithErrors(w, httptest.NewRequest(http.MethodPut, "/x", nil), "Request contains invalid fields", errs)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.Errors) != 1 || p.Errors[0].Field != "value" {
		t.Errorf("errors = %+v", p.Errors)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"input", &validation.InputError{Errors: []validation.ValidationError{{Field: "value", Message: "bad"}}}, 422},
		{"invalid key", fmt.Errorf("parse: %w", types.ErrInvalidKey), 400},
		{"store not found", store.ErrNotFound, 404},
		{"remote not found", remote.ErrNotFound, 404},
		{"unknown field", fmt.Errorf("%w: deX", resolve.ErrUnknownField), 404},
		{"locked", resolve.ErrInstanceLocked, 409},
		{"transition", completion.ErrInvalidTransition, 409},
		{"metadata", resolve.ErrMetadataUnavailable, 503},
		{"remote down", remote.ErrUnavailable, 503},
		{"storage", fmt.Errorf("write: %w", store.ErrStorage), 500},
		{"unknown", errors.New("boom"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureLogs(t)
			w := httptest.NewRecorder()
			MapError(w, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMapError_InternalDetailsHidden(t *testing.T) {
	captureLogs(t)
	w := httptest.NewRecorder()
	MapError(w, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("sqlite: disk I/O error at page 42"))

	var p Problem
	_ = json.Unmarshal(w.Body.Bytes(), &p)
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %q, want generic message", p.Detail)
	}
}
