// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"sync"

	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/types"
)

// Fake is a scriptable in-memory platform. Accepted uploads become the
// server values returned by FetchValues.
type Fake struct {
	mu sync.Mutex

	Shapes    map[string]*types.FormShape
	Server    map[types.FieldKey]types.CachedValue
	Instances map[string][]types.Instance

	// StaleReads makes the next n read-backs of a field report nothing
	// staged, as if the write was lost.
	StaleReads map[types.FieldKey]int
	// Reject names fields the server refuses, with the conflict message.
	Reject map[types.FieldKey]string

	FetchShapeErr  error
	FetchValuesErr error
	StageErr       error
	UploadErr      error
	CompletionErr  error

	// BeforeUpload runs before every upload, outside the lock.
	BeforeUpload func(key types.InstanceKey)
	// EvaluateFunc replaces the default evaluation, which reports no violations.
	EvaluateFunc func(ctx context.Context, key types.InstanceKey, opts remote.EvalOptions) (*remote.Evaluation, error)

	staged         map[types.FieldKey]stagedValue
	uploadCalls    int
	uploadedFields []types.FieldKey
	stageCalls     map[types.FieldKey]int
	evaluateCalls  int
	completions    map[types.InstanceKey]types.CompletionState
}

type stagedValue struct {
	value   *string
	comment *string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Shapes:      make(map[string]*types.FormShape),
		Server:      make(map[types.FieldKey]types.CachedValue),
		Instances:   make(map[string][]types.Instance),
		StaleReads:  make(map[types.FieldKey]int),
		Reject:      make(map[types.FieldKey]string),
		staged:      make(map[types.FieldKey]stagedValue),
		stageCalls:  make(map[types.FieldKey]int),
		completions: make(map[types.InstanceKey]types.CompletionState),
	}
}

var _ remote.Client = (*Fake)(nil)

// SetServerValue seeds a server-side value.
func (f *Fake) SetServerValue(key types.FieldKey, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Server[key] = types.CachedValue{Key: key, Value: types.StringPtr(value), LastModified: 1}
}

// FetchShape implements remote.Client.
func (f *Fake) FetchShape(ctx context.Context, programID string) (*types.FormShape, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchShapeErr != nil {
		return nil, f.FetchShapeErr
	}
	shape, ok := f.Shapes[programID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := *shape
	return &cp, nil
}

// FetchValues implements remote.Client.
func (f *Fake) FetchValues(ctx context.Context, key types.InstanceKey) ([]types.CachedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchValuesErr != nil {
		return nil, f.FetchValuesErr
	}
	values := []types.CachedValue{}
	for k, v := range f.Server {
		if k.Instance == key {
			values = append(values, v)
		}
	}
	return values, nil
}

// ListInstances implements remote.Client.
func (f *Fake) ListInstances(ctx context.Context, programID string, page types.Page) ([]types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.Instances[programID]
	if page.Offset >= len(all) {
		return []types.Instance{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return append([]types.Instance(nil), all[page.Offset:end]...), nil
}

// StageValue implements remote.Client.
func (f *Fake) StageValue(ctx context.Context, key types.FieldKey, value, comment *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StageErr != nil {
		return f.StageErr
	}
	f.stageCalls[key]++
	f.staged[key] = stagedValue{value: value, comment: comment}
	return nil
}

// StagedValue implements remote.Client.
func (f *Fake) StagedValue(ctx context.Context, key types.FieldKey) (*string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StaleReads[key] > 0 {
		f.StaleReads[key]--
		return nil, false, nil
	}
	sv, ok := f.staged[key]
	return sv.value, ok, nil
}

// Upload implements remote.Client.
func (f *Fake) Upload(ctx context.Context, key types.InstanceKey, fields []types.FieldKey) (*remote.UploadReport, error) {
	if f.BeforeUpload != nil {
		f.BeforeUpload(key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}

	report := &remote.UploadReport{Accepted: []types.FieldKey{}, Rejected: map[types.FieldKey]string{}}
	for _, field := range fields {
		if msg, ok := f.Reject[field]; ok {
			report.Rejected[field] = msg
			continue
		}
		sv, ok := f.staged[field]
		if !ok {
			report.Rejected[field] = "value not staged"
			continue
		}
		switch {
		case sv.value == nil:
			// comment-only update
			if cur, exists := f.Server[field]; exists {
				cur.Comment = sv.comment
				cur.LastModified = 2
				f.Server[field] = cur
			}
		case *sv.value == "":
			delete(f.Server, field)
		default:
			f.Server[field] = types.CachedValue{Key: field, Value: sv.value, Comment: sv.comment, LastModified: 2}
		}
		delete(f.staged, field)
		report.Accepted = append(report.Accepted, field)
		f.uploadedFields = append(f.uploadedFields, field)
	}
	return report, nil
}

// Evaluate implements remote.Client.
func (f *Fake) Evaluate(ctx context.Context, key types.InstanceKey, opts remote.EvalOptions) (*remote.Evaluation, error) {
	f.mu.Lock()
	f.evaluateCalls++
	fn := f.EvaluateFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, key, opts)
	}
	return &remote.Evaluation{Violations: []remote.Violation{}}, nil
}

// SetCompletion implements remote.Client.
func (f *Fake) SetCompletion(ctx context.Context, key types.InstanceKey, state types.CompletionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CompletionErr != nil {
		return f.CompletionErr
	}
	f.completions[key] = state
	return nil
}

// ServerValue returns the server-side value of a field.
func (f *Fake) ServerValue(key types.FieldKey) (types.CachedValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Server[key]
	return v, ok
}

// UploadCalls returns the number of Upload invocations.
func (f *Fake) UploadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls
}

// UploadedFields returns every field accepted so far, in order.
func (f *Fake) UploadedFields() []types.FieldKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.FieldKey(nil), f.uploadedFields...)
}

// StageCalls returns how often a field was staged.
func (f *Fake) StageCalls(key types.FieldKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stageCalls[key]
}

// EvaluateCalls returns the number of Evaluate invocations.
func (f *Fake) EvaluateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluateCalls
}

// Completion returns the completion state mirrored for key.
func (f *Fake) Completion(key types.InstanceKey) (types.CompletionState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.completions[key]
	return s, ok
}
