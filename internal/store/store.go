package store

import (
	"context"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// DraftStore holds uncommitted local edits, one row per FieldKey.
type DraftStore interface {
	UpsertDraft(ctx context.Context, d types.Draft) error
	DeleteDraft(ctx context.Context, key types.FieldKey) error
	DeleteDraftsForInstance(ctx context.Context, key types.InstanceKey) error
	DeleteUploadedDrafts(ctx context.Context, uploaded []types.Draft) (int, error)
	GetDraft(ctx context.Context, key types.FieldKey) (*types.Draft, error)
	ListDraftsForInstance(ctx context.Context, key types.InstanceKey) ([]types.Draft, error)
	CountDraftsForInstance(ctx context.Context, key types.InstanceKey) (int, error)
	ListDistinctInstances(ctx context.Context, programID string) ([]types.InstanceKey, error)
	ListInstancesWithDrafts(ctx context.Context) ([]types.InstanceKey, error)
}

// CacheStore holds the last server-side values seen for each instance.
type CacheStore interface {
	GetCachedValues(ctx context.Context, key types.InstanceKey) (map[types.FieldRef]types.CachedValue, error)
	ReplaceCachedValues(ctx context.Context, key types.InstanceKey, values []types.CachedValue) error
}

// ShapeStore caches form shapes so resolution works offline.
type ShapeStore interface {
	GetShape(ctx context.Context, programID string) (*types.FormShape, error)
	PutShape(ctx context.Context, shape *types.FormShape) error
}

// CompletionStore records completion state and whether it reached the server.
type CompletionStore interface {
	GetCompletion(ctx context.Context, key types.InstanceKey) (*types.CompletionRecord, error)
	PutCompletion(ctx context.Context, rec types.CompletionRecord) error
	ListPendingCompletions(ctx context.Context) ([]types.CompletionRecord, error)
	MarkCompletionSynced(ctx context.Context, key types.InstanceKey, updatedAt int64) error
}

// SyncLogStore persists sync history and the queued-sync flag.
type SyncLogStore interface {
	RecordSyncRun(ctx context.Context, run types.SyncRun) error
	LastSyncRun(ctx context.Context) (*types.SyncRun, error)
	SetSyncQueued(ctx context.Context, requestedAt int64) (bool, error)
	ClearSyncQueued(ctx context.Context) error
	IsSyncQueued(ctx context.Context) (bool, error)
}

// Store is the full local persistence contract.
type Store interface {
	DraftStore
	CacheStore
	ShapeStore
	CompletionStore
	SyncLogStore
	Snapshot(ctx context.Context, path string) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
