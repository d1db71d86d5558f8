package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/fieldkit/internal/completion"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/resolve"
	"github.com/hyperengineering/fieldkit/internal/store"
	fksync "github.com/hyperengineering/fieldkit/internal/sync"
	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized:        {"https://fieldkit.dev/errors/unauthorized", "Unauthorized"},
	http.StatusBadRequest:          {"https://fieldkit.dev/errors/bad-request", "Bad Request"},
	http.StatusNotFound:            {"https://fieldkit.dev/errors/not-found", "Not Found"},
	http.StatusInternalServerError: {"https://fieldkit.dev/errors/internal-error", "Internal Server Error"},
	http.StatusUnprocessableEntity: {"https://fieldkit.dev/errors/validation-error", "Validation Error"},
	http.StatusServiceUnavailable:  {"https://fieldkit.dev/errors/service-unavailable", "Service Unavailable"},
	http.StatusConflict:            {"https://fieldkit.dev/errors/conflict", "Conflict"},
	http.StatusTooManyRequests:     {"https://fieldkit.dev/errors/rate-limit", "Too Many Requests"},
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{"https://fieldkit.dev/errors/unknown", http.StatusText(status)}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblemType(status)
	writeProblemBody(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := lookupProblemType(http.StatusUnprocessableEntity)
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

// ProblemWithIssues carries the validation issues that block completion.
type ProblemWithIssues struct {
	Problem
	Issues []types.ValidationIssue `json:"issues"`
}

// WriteProblemBlocked writes a 409 response listing blocking issues.
func WriteProblemBlocked(w http.ResponseWriter, r *http.Request, detail string, issues []types.ValidationIssue) {
	pt := lookupProblemType(http.StatusConflict)
	writeProblemBody(w, http.StatusConflict, ProblemWithIssues{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusConflict,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Issues: issues,
	})
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var inputErr *validation.InputError
	switch {
	case errors.As(err, &inputErr):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", inputErr.Errors)
	case errors.Is(err, types.ErrInvalidKey):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, resolve.ErrUnknownField):
		WriteProblem(w, r, http.StatusNotFound, "Field is not part of this form")
	case errors.Is(err, resolve.ErrInstanceLocked):
		WriteProblem(w, r, http.StatusConflict, "Instance is approved or locked")
	case errors.Is(err, completion.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, resolve.ErrMetadataUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Form metadata is not cached and the server is unreachable")
	case errors.Is(err, fksync.ErrNetworkUnavailable), errors.Is(err, remote.ErrUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Remote server unavailable")
	default:
		// Never expose internal error details to client
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
