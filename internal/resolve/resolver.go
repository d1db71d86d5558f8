// Package resolve decides which candidate value is shown for every field of
// an instance and records user edits as drafts.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/store"
	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

var (
	// ErrMetadataUnavailable is returned when no form shape is cached and
	// it cannot be fetched.
	ErrMetadataUnavailable = errors.New("form metadata unavailable")

	// ErrUnknownField is returned when saving a field the form does not define.
	ErrUnknownField = errors.New("field not part of form")

	// ErrInstanceLocked is returned when saving into an approved or locked instance.
	ErrInstanceLocked = errors.New("instance is locked for editing")
)

// Store is the local persistence the resolver reads and writes.
type Store interface {
	store.DraftStore
	store.CacheStore
	store.ShapeStore
	store.CompletionStore
}

// StateReporter reports the sync state of a data set instance.
type StateReporter interface {
	State(ctx context.Context, key types.InstanceKey) types.SyncState
}

// Resolver applies draft > fresh > cache precedence.
type Resolver struct {
	store   Store
	client  remote.Client
	monitor network.Monitor
	states  StateReporter
	shapes  singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStateReporter sets the source of sync states for instance listings.
func WithStateReporter(s StateReporter) Option {
	return func(r *Resolver) { r.states = s }
}

// WithClock overrides the time source used for draft timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver.
func New(s Store, client remote.Client, monitor network.Monitor, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:   s,
		client:  client,
		monitor: monitor,
		now:     time.Now,
		logger:  logger.With("component", "resolve"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.states == nil {
		r.states = draftStates{s}
	}
	return r
}

// Shape returns the cached form shape of a program, fetching and caching it
// when missing and online. Concurrent fetches of one program are merged.
func (r *Resolver) Shape(ctx context.Context, programID string) (*types.FormShape, error) {
	shape, err := r.store.GetShape(ctx, programID)
	if err == nil {
		return shape, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !r.monitor.IsOnline(ctx) {
		return nil, fmt.Errorf("%w: %s not cached and offline", ErrMetadataUnavailable, programID)
	}

	v, err, _ := r.shapes.Do(programID, func() (any, error) {
		fetched, err := r.client.FetchShape(ctx, programID)
		if err != nil {
			return nil, err
		}
		if err := r.store.PutShape(ctx, fetched); err != nil {
			return nil, err
		}
		r.logger.Info("form shape cached",
			"program", programID,
			"elements", len(fetched.Elements),
		)
		return fetched, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStorage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrMetadataUnavailable, programID, err)
	}
	return v.(*types.FormShape), nil
}

// Resolve returns one entry per field of the instance's form, in shape order.
func (r *Resolver) Resolve(ctx context.Context, key types.InstanceKey) ([]types.ResolvedField, error) {
	if err := validation.ValidateInstanceKey(key); err != nil {
		return nil, err
	}
	shape, err := r.Shape(ctx, key.ProgramID)
	if err != nil {
		return nil, err
	}

	drafts, err := r.store.ListDraftsForInstance(ctx, key)
	if err != nil {
		return nil, err
	}
	draftByRef := make(map[types.FieldRef]types.Draft, len(drafts))
	for _, d := range drafts {
		draftByRef[d.Key.Ref()] = d
	}

	cached, err := r.store.GetCachedValues(ctx, key)
	if err != nil {
		return nil, err
	}

	fresh := r.fetchFresh(ctx, key)

	fields := shape.Fields()
	resolved := make([]types.ResolvedField, 0, len(fields))
	for _, ref := range fields {
		d, hasDraft := draftByRef[ref]
		f, hasFresh := fresh[ref]
		c, hasCache := cached[ref]
		delete(draftByRef, ref)

		rf := types.ResolvedField{
			Key:       key.Field(ref.DataElementID, ref.CategoryOptionComboID),
			Source:    types.ProvenanceNone,
			NotSynced: hasDraft,
		}
		switch {
		case hasDraft && d.Value != nil:
			rf.Value, rf.Source, rf.LastModified = d.Value, types.ProvenanceDraft, d.LastModified
		case hasFresh && f.Value != nil:
			rf.Value, rf.Source, rf.LastModified, rf.StoredBy = f.Value, types.ProvenanceFresh, f.LastModified, f.StoredBy
		case hasCache && c.Value != nil:
			rf.Value, rf.Source, rf.LastModified, rf.StoredBy = c.Value, types.ProvenanceCache, c.LastModified, c.StoredBy
		}
		switch {
		case hasDraft && d.Comment != nil:
			rf.Comment = d.Comment
		case hasFresh && f.Comment != nil:
			rf.Comment = f.Comment
		case hasCache:
			rf.Comment = c.Comment
		}
		resolved = append(resolved, rf)
	}

	if len(draftByRef) > 0 {
		r.logger.Warn("drafts outside form shape",
			"instance", key.String(),
			"count", len(draftByRef),
		)
	}
	return resolved, nil
}

// fetchFresh returns server values when online; failures degrade to nil.
func (r *Resolver) fetchFresh(ctx context.Context, key types.InstanceKey) map[types.FieldRef]types.CachedValue {
	if !r.monitor.IsOnline(ctx) {
		return nil
	}
	values, err := r.client.FetchValues(ctx, key)
	if err != nil {
		r.logger.Warn("fresh fetch failed, using cache",
			"instance", key.String(),
			"error", err,
		)
		return nil
	}
	fresh := make(map[types.FieldRef]types.CachedValue, len(values))
	for _, v := range values {
		fresh[v.Key.Ref()] = v
	}
	return fresh
}

// Save records a user edit. A nil value keeps the displayed value and only
// sets the comment. Clearing a field that has no server value removes its
// draft; clearing one that does records a pending deletion.
func (r *Resolver) Save(ctx context.Context, key types.FieldKey, value, comment *string) error {
	if value == nil && comment == nil {
		return &validation.InputError{Errors: []validation.ValidationError{
			{Field: "value", Message: "value or comment is required"},
		}}
	}

	var vt types.ValueType
	shape, err := r.store.GetShape(ctx, key.Instance.ProgramID)
	switch {
	case err == nil:
		if !shape.Contains(key.Ref()) {
			return fmt.Errorf("%w: %s", ErrUnknownField, key)
		}
		if el, ok := shape.Element(key.DataElementID); ok {
			vt = el.ValueType
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if err := validation.ValidateDraftInput(key, value, comment, vt); err != nil {
		return err
	}

	rec, err := r.store.GetCompletion(ctx, key.Instance)
	switch {
	case err == nil:
		if !rec.State.Editable() {
			return fmt.Errorf("%w: %s is %s", ErrInstanceLocked, key.Instance, rec.State)
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if value != nil && *value == "" && types.Deref(comment) == "" {
		hasServer, err := r.hasServerValue(ctx, key)
		if err != nil {
			return err
		}
		if !hasServer {
			r.logger.Debug("cleared field without server value",
				"field", key.String(),
			)
			return r.store.DeleteDraft(ctx, key)
		}
	}

	return r.store.UpsertDraft(ctx, types.Draft{
		Key:          key,
		Value:        value,
		Comment:      comment,
		LastModified: r.now().UnixMilli(),
	})
}

// hasServerValue reports whether the field holds a value upstream: the
// cache first, then the server when online. An unreachable server counts as
// holding a value so the clear is kept as a pending deletion.
func (r *Resolver) hasServerValue(ctx context.Context, key types.FieldKey) (bool, error) {
	cached, err := r.store.GetCachedValues(ctx, key.Instance)
	if err != nil {
		return false, err
	}
	if cv, ok := cached[key.Ref()]; ok && types.Deref(cv.Value) != "" {
		return true, nil
	}
	if !r.monitor.IsOnline(ctx) {
		return false, nil
	}

	values, err := r.client.FetchValues(ctx, key.Instance)
	if err != nil {
		r.logger.Warn("server value lookup failed, keeping deletion",
			"field", key.String(),
			"error", err,
		)
		return true, nil
	}
	for _, v := range values {
		if v.Key.Ref() == key.Ref() && types.Deref(v.Value) != "" {
			return true, nil
		}
	}
	return false, nil
}

// draftStates derives sync state from the draft count alone.
type draftStates struct {
	store store.DraftStore
}

func (d draftStates) State(ctx context.Context, key types.InstanceKey) types.SyncState {
	n, err := d.store.CountDraftsForInstance(ctx, key)
	if err != nil || n == 0 {
		return types.SyncStateNoLocalChanges
	}
	return types.SyncStatePending
}
