package resolve

import (
	"context"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// InstanceSummary is one entry of an instance listing.
type InstanceSummary struct {
	Instance  types.Instance     `json:"instance"`
	Kind      types.InstanceKind `json:"kind"`
	State     types.SyncState    `json:"sync_state"`
	LocalOnly bool               `json:"local_only"`
}

// ListInstances returns the remote instances of the page window, followed on
// the first page by instances known only from local drafts. Remote listing
// failures degrade to the local entries.
func (r *Resolver) ListInstances(ctx context.Context, programID string, page types.Page) ([]InstanceSummary, error) {
	var remoteInstances []types.Instance
	if r.monitor.IsOnline(ctx) {
		list, err := r.client.ListInstances(ctx, programID, page)
		if err != nil {
			r.logger.Warn("remote instance listing failed",
				"program", programID,
				"offset", page.Offset,
				"error", err,
			)
		} else {
			remoteInstances = list
		}
	}

	summaries := make([]InstanceSummary, 0, len(remoteInstances))
	seen := make(map[types.InstanceKey]bool)
	for _, inst := range remoteInstances {
		if ds, ok := inst.(types.DataSetInstance); ok {
			seen[ds.Key] = true
		}
		summaries = append(summaries, InstanceSummary{
			Instance: inst,
			Kind:     inst.Kind(),
			State:    r.stateOf(ctx, inst),
		})
	}

	if page.Offset > 0 {
		return summaries, nil
	}
	local, err := r.store.ListDistinctInstances(ctx, programID)
	if err != nil {
		return nil, err
	}
	for _, key := range local {
		if seen[key] {
			continue
		}
		inst := types.NewDataSetInstance(key, key.String())
		summaries = append(summaries, InstanceSummary{
			Instance:  inst,
			Kind:      inst.Kind(),
			State:     r.stateOf(ctx, inst),
			LocalOnly: true,
		})
	}
	return summaries, nil
}

func (r *Resolver) stateOf(ctx context.Context, inst types.Instance) types.SyncState {
	switch v := inst.(type) {
	case types.DataSetInstance:
		return r.states.State(ctx, v.Key)
	case types.TrackerInstance, types.EventInstance:
		return types.SyncStateUntracked
	default:
		return types.SyncStateUntracked
	}
}
