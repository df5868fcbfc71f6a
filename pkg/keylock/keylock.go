// Package keylock provides a cooperative mutual-exclusion primitive
// keyed by an arbitrary string. Waiters are woken in strict FIFO order;
// distinct keys never contend. There is no reentrancy: a holder that
// acquires its own key again deadlocks, as it should.
package keylock

import (
	"context"
	"sync"
)

type lockState struct {
	held    bool
	waiters []chan struct{} // FIFO; closed to hand over ownership
}

// KeyLock is a registry of single-owner locks, one per key.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// New creates an empty lock registry.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*lockState)}
}

// Acquire blocks until the caller owns key, or ctx is done. On success
// the caller must Release exactly once, on every exit path.
func (k *KeyLock) Acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	state, ok := k.locks[key]
	if !ok {
		state = &lockState{}
		k.locks[key] = state
	}
	if !state.held {
		state.held = true
		k.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	state.waiters = append(state.waiters, wait)
	k.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		for i, w := range state.waiters {
			if w == wait {
				state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
				k.mu.Unlock()
				return ctx.Err()
			}
		}
		k.mu.Unlock()
		// The handover raced the cancellation: we already own the key
		// and must pass it on before reporting the cancel.
		k.Release(key)
		return ctx.Err()
	}
}

// Release wakes the next FIFO waiter for key, or clears the held marker
// if nobody waits. Releasing an unheld key is a no-op.
func (k *KeyLock) Release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	state, ok := k.locks[key]
	if !ok || !state.held {
		return
	}
	if len(state.waiters) > 0 {
		next := state.waiters[0]
		state.waiters = state.waiters[1:]
		close(next) // ownership transfers; held stays true
		return
	}
	delete(k.locks, key)
}
