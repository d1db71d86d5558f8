package sync

import (
	"context"
	stdsync "sync"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// keyedLocks serializes work per instance. Acquisition honours ctx.
type keyedLocks struct {
	mu    stdsync.Mutex
	locks map[types.InstanceKey]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[types.InstanceKey]chan struct{})}
}

func (k *keyedLocks) lock(ctx context.Context, key types.InstanceKey) error {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *keyedLocks) unlock(key types.InstanceKey) {
	k.mu.Lock()
	ch := k.locks[key]
	k.mu.Unlock()
	<-ch
}
