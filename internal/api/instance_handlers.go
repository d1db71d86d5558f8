package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

// ValuesResponse is returned by GET .../values.
type ValuesResponse struct {
	Instance types.InstanceKey     `json:"instance"`
	Fields   []types.ResolvedField `json:"fields"`
}

// GetValues handles GET /api/v1/instances/{program}/{period}/{orgUnit}/{aoc}/values
func (h *Handler) GetValues(w http.ResponseWriter, r *http.Request) {
	key := MustInstanceFromContext(r.Context())

	fields, err := h.svc.Fields.Resolve(r.Context(), key)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValuesResponse{Instance: key, Fields: fields})
}

// SaveValueRequest is the body of PUT .../values/{dataElement}/{coc}. An
// absent value keeps the current one; "" clears the field.
type SaveValueRequest struct {
	Value   *string `json:"value"`
	Comment *string `json:"comment"`
}

// SaveValue handles PUT .../values/{dataElement}/{coc}
func (h *Handler) SaveValue(w http.ResponseWriter, r *http.Request) {
	key := MustInstanceFromContext(r.Context())
	field := key.Field(chi.URLParam(r, "dataElement"), chi.URLParam(r, "coc"))

	var req SaveValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if err := h.svc.Fields.Save(r.Context(), field, req.Value, req.Comment); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StateResponse is returned by GET .../state.
type StateResponse struct {
	Instance    types.InstanceKey       `json:"instance"`
	SyncState   types.SyncState         `json:"sync_state"`
	Completion  types.CompletionRecord  `json:"completion"`
	Transitions []types.CompletionState `json:"transitions"`
}

// GetState handles GET .../state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := MustInstanceFromContext(ctx)

	rec, err := h.svc.Completion.Get(ctx, key)
	if err != nil {
		MapError(w, r, err)
		return
	}
	allowed, err := h.svc.Completion.Allowed(ctx, key)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		Instance:    key,
		SyncState:   h.svc.Sync.State(ctx, key),
		Completion:  rec,
		Transitions: allowed,
	})
}

// CompletionRequest is the body of PUT .../completion.
type CompletionRequest struct {
	State types.CompletionState `json:"state"`
}

var completionStates = []string{
	string(types.CompletionOpen),
	string(types.CompletionComplete),
	string(types.CompletionApproved),
	string(types.CompletionLocked),
}

// SetCompletion handles PUT .../completion. Completing an instance first
// runs its validation rules; errors block the transition.
func (h *Handler) SetCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := MustInstanceFromContext(ctx)

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if v := validation.ValidateEnum("state", string(req.State), completionStates); v != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*v})
		return
	}

	if req.State == types.CompletionComplete && h.svc.Validator != nil {
		summary, err := h.svc.Validator.Validate(ctx, key)
		if err != nil {
			MapError(w, r, err)
			return
		}
		if !summary.CanComplete {
			WriteProblemBlocked(w, r,
				fmt.Sprintf("%d validation error(s) block completion", summary.ErrorCount),
				summary.Issues)
			return
		}
	}

	rec, err := h.svc.Completion.Set(ctx, key, req.State)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Validate handles POST .../validate
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	key := MustInstanceFromContext(r.Context())

	summary, err := h.svc.Validator.Validate(r.Context(), key)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SyncInstance handles POST .../sync
func (h *Handler) SyncInstance(w http.ResponseWriter, r *http.Request) {
	key := MustInstanceFromContext(r.Context())

	res, err := h.svc.Sync.StartSyncForInstance(r.Context(), key)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, statusForResult(res), res)
}
