package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperengineering/fieldkit/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fieldkit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testInstance = types.InstanceKey{
	ProgramID:              "BfMAe6Itzgt",
	Period:                 "202610",
	OrgUnitID:              "DiszpKrYNg8",
	AttributeOptionComboID: types.DefaultCategoryOptionCombo,
}

func draftFor(de, value string, modified int64) types.Draft {
	return types.Draft{
		Key:          testInstance.Field(de, types.DefaultCategoryOptionCombo),
		Value:        types.StringPtr(value),
		LastModified: modified,
	}
}

func TestStore_NewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.UpsertDraft(context.Background(), draftFor("de1", "1", 1)); err != nil {
		t.Fatalf("UpsertDraft on memory store failed: %v", err)
	}
}

func TestStore_UpsertDraft_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := draftFor("de1", "12", 1000)
	d.Comment = types.StringPtr("counted twice")

	// When: the same upsert runs twice
	for i := 0; i < 2; i++ {
		if err := s.UpsertDraft(ctx, d); err != nil {
			t.Fatalf("UpsertDraft #%d failed: %v", i+1, err)
		}
	}

	// Then: exactly one row exists with the values
	count, err := s.CountDraftsForInstance(ctx, testInstance)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 draft, got %d", count)
	}

	got, err := s.GetDraft(ctx, d.Key)
	if err != nil {
		t.Fatal(err)
	}
	if types.Deref(got.Value) != "12" || types.Deref(got.Comment) != "counted twice" || got.LastModified != 1000 {
		t.Errorf("unexpected draft %+v", got)
	}
}

func TestStore_UpsertDraft_OlderEditDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDraft(ctx, draftFor("de1", "new", 2000)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDraft(ctx, draftFor("de1", "old", 1000)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDraft(ctx, draftFor("de1", "", 0).Key)
	if err != nil {
		t.Fatal(err)
	}
	if types.Deref(got.Value) != "new" {
		t.Errorf("expected newer value to win, got %q", types.Deref(got.Value))
	}
}

func TestStore_UpsertDraft_NullValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := types.Draft{
		Key:          testInstance.Field("de1", types.DefaultCategoryOptionCombo),
		Comment:      types.StringPtr("comment only"),
		LastModified: 1,
	}

	if err := s.UpsertDraft(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDraft(ctx, d.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != nil {
		t.Errorf("expected nil value, got %q", *got.Value)
	}
}

func TestStore_GetDraft_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDraft(context.Background(), testInstance.Field("missing", "coc"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteDraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := draftFor("de1", "5", 1)

	if err := s.UpsertDraft(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDraft(ctx, d.Key); err != nil {
		t.Fatal(err)
	}
	// deleting again is a no-op
	if err := s.DeleteDraft(ctx, d.Key); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}

	count, _ := s.CountDraftsForInstance(ctx, testInstance)
	if count != 0 {
		t.Errorf("expected 0 drafts, got %d", count)
	}
}

func TestStore_DeleteDraftsForInstance_LeavesOtherInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	other := testInstance
	other.Period = "202609"

	s.UpsertDraft(ctx, draftFor("de1", "1", 1))
	s.UpsertDraft(ctx, draftFor("de2", "2", 1))
	s.UpsertDraft(ctx, types.Draft{Key: other.Field("de1", "coc"), Value: types.StringPtr("3"), LastModified: 1})

	if err := s.DeleteDraftsForInstance(ctx, testInstance); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountDraftsForInstance(ctx, testInstance); n != 0 {
		t.Errorf("expected instance drafts deleted, %d left", n)
	}
	if n, _ := s.CountDraftsForInstance(ctx, other); n != 1 {
		t.Errorf("expected other instance untouched, got %d", n)
	}
}

func TestStore_DeleteUploadedDrafts_EditAfterSnapshotSurvives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: two drafts snapshotted for upload
	a := draftFor("deA", "1", 100)
	b := draftFor("deB", "2", 100)
	s.UpsertDraft(ctx, a)
	s.UpsertDraft(ctx, b)
	snapshot, err := s.ListDraftsForInstance(ctx, testInstance)
	if err != nil {
		t.Fatal(err)
	}

	// And: field B is edited again while the upload is in flight
	if err := s.UpsertDraft(ctx, draftFor("deB", "3", 200)); err != nil {
		t.Fatal(err)
	}

	// When: the uploaded snapshot is deleted
	deleted, err := s.DeleteUploadedDrafts(ctx, snapshot)
	if err != nil {
		t.Fatal(err)
	}

	// Then: only A is deleted, the newer B edit survives
	if deleted != 1 {
		t.Errorf("expected 1 deleted row, got %d", deleted)
	}
	remaining, _ := s.ListDraftsForInstance(ctx, testInstance)
	if len(remaining) != 1 || remaining[0].Key.DataElementID != "deB" || types.Deref(remaining[0].Value) != "3" {
		t.Errorf("unexpected remaining drafts %+v", remaining)
	}
}

func TestStore_DeleteUploadedDrafts_MatchesNullColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := types.Draft{Key: testInstance.Field("de1", "coc"), Comment: types.StringPtr("c"), LastModified: 5}
	s.UpsertDraft(ctx, d)

	deleted, err := s.DeleteUploadedDrafts(ctx, []types.Draft{d})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("expected NULL-valued draft to be matched and deleted, got %d", deleted)
	}
}

func TestStore_ListDistinctInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sep := testInstance
	sep.Period = "202609"
	otherProgram := testInstance
	otherProgram.ProgramID = "QX4ZTUbOt3a"

	s.UpsertDraft(ctx, draftFor("de1", "1", 1))
	s.UpsertDraft(ctx, draftFor("de2", "1", 1))
	s.UpsertDraft(ctx, types.Draft{Key: sep.Field("de1", "coc"), Value: types.StringPtr("1"), LastModified: 1})
	s.UpsertDraft(ctx, types.Draft{Key: otherProgram.Field("de1", "coc"), Value: types.StringPtr("1"), LastModified: 1})

	keys, err := s.ListDistinctInstances(ctx, testInstance.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 instances, got %d: %+v", len(keys), keys)
	}
	// newest period first
	if keys[0] != testInstance || keys[1] != sep {
		t.Errorf("unexpected order %+v", keys)
	}

	all, err := s.ListInstancesWithDrafts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 instances with drafts, got %d", len(all))
	}
}

func TestStore_ReplaceCachedValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := []types.CachedValue{
		{Key: testInstance.Field("de1", "coc"), Value: types.StringPtr("1"), LastModified: 1},
		{Key: testInstance.Field("de2", "coc"), Value: types.StringPtr("2"), LastModified: 1, StoredBy: types.StringPtr("admin")},
	}
	if err := s.ReplaceCachedValues(ctx, testInstance, first); err != nil {
		t.Fatal(err)
	}

	// When: the snapshot is replaced wholesale
	second := []types.CachedValue{
		{Key: testInstance.Field("de2", "coc"), Value: types.StringPtr("20"), LastModified: 2},
	}
	if err := s.ReplaceCachedValues(ctx, testInstance, second); err != nil {
		t.Fatal(err)
	}

	// Then: de1 is gone and de2 is updated
	values, err := s.GetCachedValues(ctx, testInstance)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 {
		t.Fatalf("expected 1 cached value, got %d", len(values))
	}
	cv := values[types.FieldRef{DataElementID: "de2", CategoryOptionComboID: "coc"}]
	if types.Deref(cv.Value) != "20" || cv.StoredBy != nil {
		t.Errorf("unexpected cached value %+v", cv)
	}
}

func TestStore_ReplaceCachedValues_RejectsForeignInstance(t *testing.T) {
	s := newTestStore(t)
	other := testInstance
	other.OrgUnitID = "other"

	err := s.ReplaceCachedValues(context.Background(), testInstance, []types.CachedValue{
		{Key: other.Field("de1", "coc"), Value: types.StringPtr("1")},
	})
	if err == nil {
		t.Fatal("expected error for value of another instance")
	}
}

func TestStore_Shape_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetShape(ctx, "BfMAe6Itzgt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before put, got %v", err)
	}

	shape := &types.FormShape{
		ProgramID: "BfMAe6Itzgt",
		Kind:      types.KindDataSet,
		Elements: []types.ShapeElement{
			{DataElementID: "de1", ValueType: types.ValueTypeInteger, CategoryOptionComboIDs: []string{"a", "b"}},
		},
		ValidationRuleCount: 37,
	}
	if err := s.PutShape(ctx, shape); err != nil {
		t.Fatal(err)
	}
	shape.ValidationRuleCount = 38
	if err := s.PutShape(ctx, shape); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetShape(ctx, "BfMAe6Itzgt")
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidationRuleCount != 38 || len(got.Fields()) != 2 {
		t.Errorf("unexpected shape %+v", got)
	}
}

func TestStore_Completion_PendingAndSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := types.CompletionRecord{Instance: testInstance, State: types.CompletionComplete, UpdatedAt: 100}
	if err := s.PutCompletion(ctx, rec); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingCompletions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].State != types.CompletionComplete {
		t.Fatalf("unexpected pending completions %+v", pending)
	}

	// A stale mark does not flip a newer record
	if err := s.MarkCompletionSynced(ctx, testInstance, 50); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetCompletion(ctx, testInstance)
	if got.Synced {
		t.Error("stale mark should not set synced")
	}

	if err := s.MarkCompletionSynced(ctx, testInstance, 100); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCompletion(ctx, testInstance)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced {
		t.Error("expected record to be synced")
	}
	if pending, _ := s.ListPendingCompletions(ctx); len(pending) != 0 {
		t.Errorf("expected no pending completions, got %d", len(pending))
	}
}

func TestStore_SyncQueue_NoDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.SetSyncQueued(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.SetSyncQueued(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("expected first=true second=false, got %v %v", first, second)
	}

	queued, _ := s.IsSyncQueued(ctx)
	if !queued {
		t.Error("expected sync to be queued")
	}

	if err := s.ClearSyncQueued(ctx); err != nil {
		t.Fatal(err)
	}
	queued, _ = s.IsSyncQueued(ctx)
	if queued {
		t.Error("expected queue to be cleared")
	}
}

func TestStore_LastSyncRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LastSyncRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s.RecordSyncRun(ctx, types.SyncRun{ID: "01A", Scope: "global", Status: "succeeded", StartedAt: 1, FinishedAt: 2, Uploaded: 3})
	s.RecordSyncRun(ctx, types.SyncRun{ID: "01B", Scope: "instance", Status: "failed", StartedAt: 3, FinishedAt: 4, Failed: 1, Message: "boom"})

	run, err := s.LastSyncRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.ID != "01B" || run.Status != "failed" || run.Message != "boom" {
		t.Errorf("unexpected last run %+v", run)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.UpsertDraft(ctx, draftFor("de1", "42", 1))

	path := filepath.Join(t.TempDir(), "snapshots", "current.db")
	// twice: an existing snapshot is replaced
	for i := 0; i < 2; i++ {
		if err := s.Snapshot(ctx, path); err != nil {
			t.Fatalf("Snapshot #%d failed: %v", i+1, err)
		}
	}

	copyStore, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copyStore.Close()

	got, err := copyStore.GetDraft(ctx, draftFor("de1", "", 0).Key)
	if err != nil {
		t.Fatalf("draft missing from snapshot: %v", err)
	}
	if types.Deref(got.Value) != "42" {
		t.Errorf("unexpected snapshot value %q", types.Deref(got.Value))
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("snapshot file not written: %v", err)
	}
}

func TestStore_ClosedStoreReturnsStorageError(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	err = s.UpsertDraft(context.Background(), draftFor("de1", "1", 1))
	if !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := draftFor("de1", "v", int64(i))
			if err := s.UpsertDraft(ctx, d); err != nil {
				t.Errorf("upsert %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetDraft(ctx, draftFor("de1", "", 0).Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastModified != 19 {
		t.Errorf("expected newest edit to win, got last_modified %d", got.LastModified)
	}
}
