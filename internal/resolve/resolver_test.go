package resolve

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/remote/remotetest"
	"github.com/hyperengineering/fieldkit/internal/store"
	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

var instance = types.InstanceKey{
	ProgramID:              "BfMAe6Itzgt",
	Period:                 "202610",
	OrgUnitID:              "DiszpKrYNg8",
	AttributeOptionComboID: types.DefaultCategoryOptionCombo,
}

var shape = &types.FormShape{
	ProgramID: "BfMAe6Itzgt",
	Kind:      types.KindDataSet,
	Elements: []types.ShapeElement{
		{DataElementID: "deA", ValueType: types.ValueTypeInteger, CategoryOptionComboIDs: []string{"c1", "c2"}},
		{DataElementID: "deB", ValueType: types.ValueTypeText},
	},
}

type fixture struct {
	store    *store.SQLiteStore
	fake     *remotetest.Fake
	monitor  *network.Static
	resolver *Resolver
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fieldkit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fake := remotetest.New()
	fake.Shapes[shape.ProgramID] = shape
	monitor := network.NewStatic(online)
	clock := time.UnixMilli(1000)
	r := New(s, fake, monitor, nil, WithClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}))
	return &fixture{store: s, fake: fake, monitor: monitor, resolver: r}
}

func byRef(fields []types.ResolvedField) map[types.FieldRef]types.ResolvedField {
	m := make(map[types.FieldRef]types.ResolvedField, len(fields))
	for _, f := range fields {
		m[f.Key.Ref()] = f
	}
	return m
}

func ref(de, coc string) types.FieldRef {
	return types.FieldRef{DataElementID: de, CategoryOptionComboID: coc}
}

func TestResolve_PrecedenceLaw(t *testing.T) {
	// Given a draft, a fresh value and a cached value for different fields
	f := newFixture(t, true)
	ctx := context.Background()
	_ = f.store.ReplaceCachedValues(ctx, instance, []types.CachedValue{
		{Key: instance.Field("deA", "c1"), Value: types.StringPtr("cache-a1"), LastModified: 1},
		{Key: instance.Field("deA", "c2"), Value: types.StringPtr("cache-a2"), LastModified: 1},
		{Key: instance.Field("deB", types.DefaultCategoryOptionCombo), Value: types.StringPtr("cache-b"), LastModified: 1},
	})
	f.fake.SetServerValue(instance.Field("deA", "c1"), "7")
	f.fake.SetServerValue(instance.Field("deA", "c2"), "8")
	if err := f.resolver.Save(ctx, instance.Field("deA", "c1"), types.StringPtr("12"), nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// When resolving
	fields, err := f.resolver.Resolve(ctx, instance)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Then draft beats fresh, fresh beats cache
	got := byRef(fields)
	tests := []struct {
		ref       types.FieldRef
		value     string
		source    types.Provenance
		notSynced bool
	}{
		{ref("deA", "c1"), "12", types.ProvenanceDraft, true},
		{ref("deA", "c2"), "8", types.ProvenanceFresh, false},
		{ref("deB", types.DefaultCategoryOptionCombo), "cache-b", types.ProvenanceCache, false},
	}
	for _, tt := range tests {
		rf := got[tt.ref]
		if types.Deref(rf.Value) != tt.value || rf.Source != tt.source || rf.NotSynced != tt.notSynced {
			t.Errorf("%s = {%q %s %v}, want {%q %s %v}", tt.ref,
				types.Deref(rf.Value), rf.Source, rf.NotSynced, tt.value, tt.source, tt.notSynced)
		}
	}
}

func TestResolve_NeverDropsShapeFields(t *testing.T) {
	f := newFixture(t, true)

	fields, err := f.resolver.Resolve(context.Background(), instance)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// deA x 2 combos + deB with the default combo
	if len(fields) != 3 {
		t.Fatalf("len(fields) = %d, want 3", len(fields))
	}
	for _, rf := range fields {
		if rf.Source != types.ProvenanceNone || rf.Value != nil {
			t.Errorf("%s: want empty field with provenance none, got %+v", rf.Key, rf)
		}
	}
}

func TestResolve_OfflineUsesCache(t *testing.T) {
	// Given the shape was cached while online
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.resolver.Shape(ctx, instance.ProgramID); err != nil {
		t.Fatalf("Shape() error = %v", err)
	}
	_ = f.store.ReplaceCachedValues(ctx, instance, []types.CachedValue{
		{Key: instance.Field("deA", "c1"), Value: types.StringPtr("5"), LastModified: 1},
	})
	f.fake.SetServerValue(instance.Field("deA", "c1"), "99")

	// When resolving offline
	f.monitor.Set(false)
	fields, err := f.resolver.Resolve(ctx, instance)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Then the cached value is shown without contacting the server
	rf := byRef(fields)[ref("deA", "c1")]
	if types.Deref(rf.Value) != "5" || rf.Source != types.ProvenanceCache {
		t.Errorf("got {%q %s}, want {5 cache}", types.Deref(rf.Value), rf.Source)
	}
}

func TestResolve_FreshFailureDegradesToCache(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_ = f.store.ReplaceCachedValues(ctx, instance, []types.CachedValue{
		{Key: instance.Field("deA", "c1"), Value: types.StringPtr("5"), LastModified: 1},
	})
	f.fake.FetchValuesErr = remote.ErrUnavailable

	fields, err := f.resolver.Resolve(ctx, instance)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rf := byRef(fields)[ref("deA", "c1")]; rf.Source != types.ProvenanceCache {
		t.Errorf("Source = %s, want cache", rf.Source)
	}
}

func TestResolve_MetadataUnavailableOffline(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.resolver.Resolve(context.Background(), instance)
	if !errors.Is(err, ErrMetadataUnavailable) {
		t.Errorf("error = %v, want ErrMetadataUnavailable", err)
	}
}

func TestResolve_MetadataUnavailableRemoteError(t *testing.T) {
	f := newFixture(t, true)
	f.fake.FetchShapeErr = remote.ErrUnavailable

	_, err := f.resolver.Resolve(context.Background(), instance)
	if !errors.Is(err, ErrMetadataUnavailable) {
		t.Errorf("error = %v, want ErrMetadataUnavailable", err)
	}
}

func TestShape_ConcurrentFetchesShareResult(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.resolver.Shape(ctx, instance.ProgramID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Shape() error = %v", err)
		}
	}
	if _, err := f.store.GetShape(ctx, instance.ProgramID); err != nil {
		t.Errorf("shape not persisted: %v", err)
	}
}

func TestSave_ThenResolveRoundTrip(t *testing.T) {
	// Given an offline device with a cached shape
	f := newFixture(t, true)
	ctx := context.Background()
	_, _ = f.resolver.Shape(ctx, instance.ProgramID)
	f.monitor.Set(false)

	// When the user enters 12
	key := instance.Field("deA", "c2")
	if err := f.resolver.Save(ctx, key, types.StringPtr("12"), nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Then resolve shows it as an unsynced draft
	fields, err := f.resolver.Resolve(ctx, instance)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	rf := byRef(fields)[key.Ref()]
	if types.Deref(rf.Value) != "12" || rf.Source != types.ProvenanceDraft || !rf.NotSynced {
		t.Errorf("got %+v", rf)
	}
	if n, _ := f.store.CountDraftsForInstance(ctx, instance); n != 1 {
		t.Errorf("draft count = %d, want 1", n)
	}
}

func TestSave_ClearWithoutServerValueDeletesDraft(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	key := instance.Field("deA", "c1")
	_ = f.resolver.Save(ctx, key, types.StringPtr("3"), nil)

	if err := f.resolver.Save(ctx, key, types.StringPtr(""), nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := f.store.GetDraft(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDraft() error = %v, want ErrNotFound", err)
	}
}

func TestSave_ClearWithServerValueRecordsDeletion(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	key := instance.Field("deA", "c1")
	_, _ = f.resolver.Shape(ctx, instance.ProgramID)
	_ = f.store.ReplaceCachedValues(ctx, instance, []types.CachedValue{
		{Key: key, Value: types.StringPtr("5"), LastModified: 1},
	})

	if err := f.resolver.Save(ctx, key, types.StringPtr(""), nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	d, err := f.store.GetDraft(ctx, key)
	if err != nil {
		t.Fatalf("GetDraft() error = %v", err)
	}
	if d.Value == nil || *d.Value != "" {
		t.Errorf("draft value = %v, want empty string", d.Value)
	}

	f.monitor.Set(false)
	fields, _ := f.resolver.Resolve(ctx, instance)
	if rf := byRef(fields)[key.Ref()]; rf.Source != types.ProvenanceDraft || types.Deref(rf.Value) != "" {
		t.Errorf("cleared field should resolve to the empty draft, got %+v", rf)
	}
}

func TestSave_ClearFreshOnlyValueRecordsDeletion(t *testing.T) {
	// Given a value seen fresh from the server and nothing cached
	f := newFixture(t, true)
	ctx := context.Background()
	key := instance.Field("deA", "c1")
	f.fake.SetServerValue(key, "7")
	fields, err := f.resolver.Resolve(ctx, instance)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rf := byRef(fields)[key.Ref()]; rf.Source != types.ProvenanceFresh {
		t.Fatalf("source = %s, want fresh", rf.Source)
	}

	// When the user clears it
	if err := f.resolver.Save(ctx, key, types.StringPtr(""), nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Then the clear is pending and wins over the fresh value
	fields, _ = f.resolver.Resolve(ctx, instance)
	rf := byRef(fields)[key.Ref()]
	if rf.Source != types.ProvenanceDraft || types.Deref(rf.Value) != "" || !rf.NotSynced {
		t.Errorf("got %+v, want pending empty draft", rf)
	}
}

func TestSave_ClearWhenServerLookupFailsRecordsDeletion(t *testing.T) {
	// Given an online device whose server lookup fails
	f := newFixture(t, true)
	ctx := context.Background()
	key := instance.Field("deA", "c1")
	_, _ = f.resolver.Shape(ctx, instance.ProgramID)
	f.fake.FetchValuesErr = remote.ErrUnavailable

	// When the user clears the field
	if err := f.resolver.Save(ctx, key, types.StringPtr(""), nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Then the deletion is kept rather than dropped
	d, err := f.store.GetDraft(ctx, key)
	if err != nil {
		t.Fatalf("GetDraft() error = %v", err)
	}
	if d.Value == nil || *d.Value != "" {
		t.Errorf("draft value = %v, want empty string", d.Value)
	}
}

func TestSave_CommentOnlyKeepsServerValue(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	key := instance.Field("deA", "c1")
	f.fake.SetServerValue(key, "9")

	if err := f.resolver.Save(ctx, key, nil, types.StringPtr("double checked")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	fields, _ := f.resolver.Resolve(ctx, instance)
	rf := byRef(fields)[key.Ref()]
	if types.Deref(rf.Value) != "9" || types.Deref(rf.Comment) != "double checked" || !rf.NotSynced {
		t.Errorf("got %+v", rf)
	}
}

func TestSave_UnknownField(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, _ = f.resolver.Shape(ctx, instance.ProgramID)

	err := f.resolver.Save(ctx, instance.Field("deZ", "c1"), types.StringPtr("1"), nil)
	if !errors.Is(err, ErrUnknownField) {
		t.Errorf("error = %v, want ErrUnknownField", err)
	}
}

func TestSave_InvalidValueType(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, _ = f.resolver.Shape(ctx, instance.ProgramID)

	err := f.resolver.Save(ctx, instance.Field("deA", "c1"), types.StringPtr("twelve"), nil)
	if !errors.Is(err, validation.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestSave_LockedInstance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_ = f.store.PutCompletion(ctx, types.CompletionRecord{Instance: instance, State: types.CompletionApproved, UpdatedAt: 1})

	err := f.resolver.Save(ctx, instance.Field("deA", "c1"), types.StringPtr("1"), nil)
	if !errors.Is(err, ErrInstanceLocked) {
		t.Errorf("error = %v, want ErrInstanceLocked", err)
	}
}

func TestListInstances_MergesLocalOnly(t *testing.T) {
	// Given one remote instance and a draft for a period the server did not list
	f := newFixture(t, true)
	ctx := context.Background()
	f.fake.Instances[instance.ProgramID] = []types.Instance{
		types.NewDataSetInstance(instance, "Clinic 202610"),
	}
	older := instance
	older.Period = "202609"
	_ = f.resolver.Save(ctx, older.Field("deA", "c1"), types.StringPtr("4"), nil)

	// When listing the first page
	got, err := f.resolver.ListInstances(ctx, instance.ProgramID, types.Page{Offset: 0, Limit: 10})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}

	// Then both appear with their sync state
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].State != types.SyncStateNoLocalChanges || got[0].LocalOnly {
		t.Errorf("remote entry = %+v", got[0])
	}
	if got[1].State != types.SyncStatePending || !got[1].LocalOnly {
		t.Errorf("local entry = %+v", got[1])
	}
}

func TestListInstances_TrackerIsUntracked(t *testing.T) {
	f := newFixture(t, true)
	f.fake.Instances["prog"] = []types.Instance{
		types.TrackerInstance{InstanceHeader: types.InstanceHeader{ProgramID: "prog"}, EnrollmentID: "en1"},
	}

	got, err := f.resolver.ListInstances(context.Background(), "prog", types.Page{Offset: 0, Limit: 10})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(got) != 1 || got[0].State != types.SyncStateUntracked {
		t.Errorf("got %+v", got)
	}
}

func TestListInstances_LaterPageSkipsLocal(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_ = f.resolver.Save(ctx, instance.Field("deA", "c1"), types.StringPtr("4"), nil)

	got, err := f.resolver.ListInstances(ctx, instance.ProgramID, types.Page{Offset: 10, Limit: 10})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}
