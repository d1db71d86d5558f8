package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	fksync "github.com/hyperengineering/fieldkit/internal/sync"
	"github.com/hyperengineering/fieldkit/internal/types"
)

// statusForResult maps a sync outcome to an HTTP status.
func statusForResult(res fksync.Result) int {
	switch res.Status {
	case fksync.StatusDeferred:
		return http.StatusAccepted
	case fksync.StatusInProgress:
		return http.StatusConflict
	case fksync.StatusThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// StartSync handles POST /api/v1/sync. With wait=true the response carries
// the run result; otherwise the run continues in the background and 202 is
// returned. force=true bypasses the throttle. The run is detached from the
// request so a dropped connection does not cancel it; DELETE /sync does.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force, _ := strconv.ParseBool(q.Get("force"))
	wait, _ := strconv.ParseBool(q.Get("wait"))
	ctx := context.WithoutCancel(r.Context())

	if !wait {
		go func() {
			res, err := h.svc.Sync.StartSync(ctx, force)
			if err != nil {
				slog.Error("background sync failed",
					"component", "api",
					"action", "sync_failed",
					"error", err,
				)
				return
			}
			slog.Info("background sync finished",
				"component", "api",
				"action", "sync_finished",
				"run_id", res.RunID,
				"status", res.Status,
			)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	res, err := h.svc.Sync.StartSync(ctx, force)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, statusForResult(res), res)
}

// CancelSync handles DELETE /api/v1/sync
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	h.svc.Sync.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// ClearSyncError handles DELETE /api/v1/sync/error
func (h *Handler) ClearSyncError(w http.ResponseWriter, r *http.Request) {
	h.svc.Sync.ClearErrorState()
	w.WriteHeader(http.StatusNoContent)
}

// ProgressResponse is returned by GET /api/v1/sync/progress.
type ProgressResponse struct {
	Running  bool                `json:"running"`
	Progress *types.SyncProgress `json:"progress,omitempty"`
}

// SyncProgress handles GET /api/v1/sync/progress. With stream=true the
// response is a server-sent event stream that ends when the run finishes
// or the client disconnects.
func (h *Handler) SyncProgress(w http.ResponseWriter, r *http.Request) {
	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); !stream {
		p := h.svc.Sync.Progress()
		writeJSON(w, http.StatusOK, ProgressResponse{Running: p != nil, Progress: p})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, "Streaming unsupported")
		return
	}

	updates, unsubscribe := h.svc.Sync.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// current state first, so late subscribers see the run in flight
	current := h.svc.Sync.Progress()
	writeEvent(w, current)
	flusher.Flush()
	if current == nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, p)
			flusher.Flush()
			if p == nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, p *types.SyncProgress) {
	if p == nil {
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to encode progress", "component", "api", "error", err)
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}
