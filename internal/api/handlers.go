package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/resolve"
	"github.com/hyperengineering/fieldkit/internal/store"
	fksync "github.com/hyperengineering/fieldkit/internal/sync"
	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// FieldService resolves and edits field values.
type FieldService interface {
	Resolve(ctx context.Context, key types.InstanceKey) ([]types.ResolvedField, error)
	Save(ctx context.Context, key types.FieldKey, value, comment *string) error
	ListInstances(ctx context.Context, programID string, page types.Page) ([]resolve.InstanceSummary, error)
}

// SyncService drives uploads of local drafts.
type SyncService interface {
	StartSync(ctx context.Context, force bool) (fksync.Result, error)
	StartSyncForInstance(ctx context.Context, key types.InstanceKey) (fksync.Result, error)
	Cancel()
	Progress() *types.SyncProgress
	Subscribe() (<-chan *types.SyncProgress, func())
	LastError() error
	ClearErrorState()
	LastRun(ctx context.Context) (*types.SyncRun, error)
	State(ctx context.Context, key types.InstanceKey) types.SyncState
	Queued(ctx context.Context) (bool, error)
}

// Validator evaluates an instance's validation rules.
type Validator interface {
	Validate(ctx context.Context, key types.InstanceKey) (types.ValidationSummary, error)
}

// CompletionService records completion and lock transitions.
type CompletionService interface {
	Get(ctx context.Context, key types.InstanceKey) (types.CompletionRecord, error)
	Set(ctx context.Context, key types.InstanceKey, target types.CompletionState) (types.CompletionRecord, error)
	Allowed(ctx context.Context, key types.InstanceKey) ([]types.CompletionState, error)
}

// Services bundles the components the handlers call.
type Services struct {
	Fields     FieldService
	Sync       SyncService
	Validator  Validator
	Completion CompletionService
	Monitor    network.Monitor
}

// Handler implements the API handlers
type Handler struct {
	svc     Services
	apiKey  string
	version string
}

// NewHandler creates a new Handler
func NewHandler(svc Services, apiKey, version string) *Handler {
	return &Handler{
		svc:     svc,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Online     bool           `json:"online"`
	SyncQueued bool           `json:"sync_queued"`
	LastSync   *types.SyncRun `json:"last_sync,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queued, err := h.svc.Sync.Queued(ctx)
	if err != nil {
		MapError(w, r, err)
		return
	}
	last, err := h.svc.Sync.LastRun(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		MapError(w, r, err)
		return
	}

	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Online:     h.svc.Monitor.IsOnline(ctx),
		SyncQueued: queued,
		LastSync:   last,
	}
	if lastErr := h.svc.Sync.LastError(); lastErr != nil {
		resp.LastError = lastErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListInstances handles GET /api/v1/programs/{program}/instances
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "program")
	page, errs := parsePage(r)
	if v := validation.ValidateIdentifier("program", programID); v != nil {
		errs = append(errs, *v)
	}
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	summaries, err := h.svc.Fields.ListInstances(r.Context(), programID, page)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": summaries,
		"offset":    page.Offset,
		"limit":     page.Limit,
	})
}

func parsePage(r *http.Request) (types.Page, []validation.ValidationError) {
	page := types.Page{Offset: 0, Limit: defaultPageLimit}
	var errs []validation.ValidationError
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, validation.ValidationError{Field: "offset", Message: "must be a non-negative integer"})
		} else {
			page.Offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, validation.ValidationError{Field: "limit", Message: "must be an integer"})
		} else if ve := validation.ValidateRange("limit", float64(n), 1, maxPageLimit); ve != nil {
			errs = append(errs, *ve)
		} else {
			page.Limit = n
		}
	}
	return page, errs
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
