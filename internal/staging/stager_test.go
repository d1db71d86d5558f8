package staging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/hyperengineering/fieldkit/internal/remote/remotetest"
	"github.com/hyperengineering/fieldkit/internal/types"
)

var instance = types.InstanceKey{ProgramID: "ds1", Period: "202401", OrgUnitID: "ou1", AttributeOptionComboID: "aoc"}

func draft(de, value string) types.Draft {
	return types.Draft{Key: instance.Field(de, "coc"), Value: types.StringPtr(value), LastModified: 1}
}

func TestStage_Verified(t *testing.T) {
	fake := remotetest.New()
	s := New(fake, time.Millisecond, nil)
	d := draft("deA", "12")

	if err := s.Stage(context.Background(), d); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if got := fake.StageCalls(d.Key); got != 1 {
		t.Errorf("StageCalls = %d, want 1", got)
	}
}

func TestStage_MismatchOnceThenMatch(t *testing.T) {
	// Given a read-back that is stale exactly once
	fake := remotetest.New()
	d := draft("deA", "12")
	fake.StaleReads[d.Key] = 1
	s := New(fake, 10*time.Millisecond, nil)

	// When staging
	start := time.Now()
	err := s.Stage(context.Background(), d)

	// Then the retry re-stages after the delay and succeeds
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if got := fake.StageCalls(d.Key); got != 2 {
		t.Errorf("StageCalls = %d, want 2", got)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("retry did not wait for the delay")
	}
}

func TestStage_PersistentMismatch(t *testing.T) {
	fake := remotetest.New()
	d := draft("deA", "12")
	fake.StaleReads[d.Key] = 5
	s := New(fake, time.Millisecond, nil)

	err := s.Stage(context.Background(), d)
	if !errors.Is(err, ErrStagingMismatch) {
		t.Fatalf("error = %v, want ErrStagingMismatch", err)
	}
	if got := fake.StageCalls(d.Key); got != 2 {
		t.Errorf("StageCalls = %d, want exactly one retry", got)
	}
}

func TestStage_TransportErrorNotRetried(t *testing.T) {
	fake := remotetest.New()
	fake.StageErr = errors.New("disk full")
	s := New(fake, time.Millisecond, nil)

	err := s.Stage(context.Background(), draft("deA", "1"))
	if err == nil || errors.Is(err, ErrStagingMismatch) {
		t.Errorf("error = %v, want transport error", err)
	}
}

func TestStageAll_CollectsFailures(t *testing.T) {
	// Given three drafts where one never verifies
	fake := remotetest.New()
	good1, bad, good2 := draft("deA", "1"), draft("deB", "2"), draft("deC", "3")
	fake.StaleReads[bad.Key] = 10
	s := New(fake, time.Millisecond, nil)

	// When staging all of them
	staged, err := s.StageAll(context.Background(), []types.Draft{good1, bad, good2})

	// Then the failure does not stop the others
	if len(staged) != 2 {
		t.Errorf("staged = %d, want 2", len(staged))
	}
	if errs := multierr.Errors(err); len(errs) != 1 {
		t.Errorf("errors = %v, want 1", errs)
	}
}
