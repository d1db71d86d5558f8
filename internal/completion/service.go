// Package completion manages the completion state of instances.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/hyperengineering/fieldkit/internal/store"
	"github.com/hyperengineering/fieldkit/internal/types"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid completion transition")

// Transition events.
const (
	EventComplete = "complete"
	EventReopen   = "reopen"
	EventApprove  = "approve"
	EventLock     = "lock"
)

var events = fsm.Events{
	{Name: EventComplete, Src: []string{string(types.CompletionOpen)}, Dst: string(types.CompletionComplete)},
	{Name: EventReopen, Src: []string{string(types.CompletionComplete)}, Dst: string(types.CompletionOpen)},
	{Name: EventApprove, Src: []string{string(types.CompletionComplete)}, Dst: string(types.CompletionApproved)},
	{Name: EventLock, Src: []string{string(types.CompletionApproved)}, Dst: string(types.CompletionLocked)},
}

// destinations maps each event to the state it enters.
var destinations = func() map[string]types.CompletionState {
	m := make(map[string]types.CompletionState, len(events))
	for _, e := range events {
		m[e.Name] = types.CompletionState(e.Dst)
	}
	return m
}()

// Service validates and records completion changes. Records are written
// unsynced; the sync manager mirrors them upstream.
type Service struct {
	store  store.CompletionStore
	now    func() time.Time
	logger *slog.Logger

	// machine is shared across instances; mu guards it while its state is
	// set to an instance's recorded one.
	mu      sync.Mutex
	machine *fsm.FSM
}

// New creates a Service.
func New(s store.CompletionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "completion"),
	}
	svc.machine = fsm.NewFSM(string(types.CompletionOpen), events, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			var instance string
			if len(e.Args) > 0 {
				if key, ok := e.Args[0].(types.InstanceKey); ok {
					instance = key.String()
				}
			}
			svc.logger.Info("completion changed",
				"instance", instance,
				"from", e.Src,
				"to", e.Dst,
			)
		},
	})
	return svc
}

// eventTo returns the event the machine allows from its current state into
// target. Callers hold s.mu.
func (s *Service) eventTo(target types.CompletionState) (string, bool) {
	for _, name := range s.machine.AvailableTransitions() {
		if destinations[name] == target && s.machine.Can(name) {
			return name, true
		}
	}
	return "", false
}

// Get returns the recorded state, OPEN when nothing is recorded.
func (s *Service) Get(ctx context.Context, key types.InstanceKey) (types.CompletionRecord, error) {
	rec, err := s.store.GetCompletion(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return types.CompletionRecord{Instance: key, State: types.CompletionOpen, Synced: true}, nil
	}
	if err != nil {
		return types.CompletionRecord{}, err
	}
	return *rec, nil
}

// Set moves an instance to target. Setting the current state is a no-op.
func (s *Service) Set(ctx context.Context, key types.InstanceKey, target types.CompletionState) (types.CompletionRecord, error) {
	current, err := s.Get(ctx, key)
	if err != nil {
		return types.CompletionRecord{}, err
	}
	if current.State == target {
		return current, nil
	}

	s.mu.Lock()
	s.machine.SetState(string(current.State))
	name, ok := s.eventTo(target)
	if !ok {
		s.mu.Unlock()
		return types.CompletionRecord{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.State, target)
	}
	err = s.machine.Event(ctx, name, key)
	next := types.CompletionState(s.machine.Current())
	s.mu.Unlock()
	if err != nil {
		return types.CompletionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}

	rec := types.CompletionRecord{
		Instance:  key,
		State:     next,
		UpdatedAt: s.now().UnixMilli(),
		Synced:    false,
	}
	if err := s.store.PutCompletion(ctx, rec); err != nil {
		return types.CompletionRecord{}, err
	}
	return rec, nil
}

// Allowed returns the states reachable from the current one.
func (s *Service) Allowed(ctx context.Context, key types.InstanceKey) ([]types.CompletionState, error) {
	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.SetState(string(current.State))
	var out []types.CompletionState
	for _, name := range s.machine.AvailableTransitions() {
		out = append(out, destinations[name])
	}
	return out, nil
}
