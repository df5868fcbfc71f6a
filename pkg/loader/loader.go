// Package loader keeps the per-user in-memory trees and rebuilds them
// from the history ledger. A cached tree is the live replica of a
// user's chain: it exists only while the user has connections, and it
// is trusted only because Reload rebuilt it from the chain.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/worktreehq/worktree/pkg/history"
	"github.com/worktreehq/worktree/pkg/keylock"
	"github.com/worktreehq/worktree/pkg/op"
	"github.com/worktreehq/worktree/pkg/tree"
)

// ErrDataDamage means replaying a user's chain produced an operation
// that does not decode or does not apply. The chain is the single
// source of truth, so this is not recoverable at this level: the
// partially built tree is discarded and nothing is cached.
var ErrDataDamage = errors.New("loader: data damage in history chain")

// Cache maps userId to a live tree.
type Cache struct {
	mu      sync.RWMutex
	trees   map[string]*tree.Tree
	history *history.Manager
	locks   *keylock.KeyLock
	log     *slog.Logger
}

// NewCache creates an empty cache.
func NewCache(hm *history.Manager, locks *keylock.KeyLock, log *slog.Logger) *Cache {
	return &Cache{
		trees:   make(map[string]*tree.Tree),
		history: hm,
		locks:   locks,
		log:     log,
	}
}

// Reload rebuilds the user's tree from the ledger and installs it,
// holding the user's lock for the whole rebuild. The chain is walked
// backward from the head via next links, stacked, and replayed oldest
// first onto a fresh tree.
func (c *Cache) Reload(ctx context.Context, userID string) error {
	if err := c.locks.Acquire(ctx, userID); err != nil {
		return err
	}
	defer c.locks.Release(userID)

	stack, err := c.collectChain(ctx, userID)
	if err != nil {
		return err
	}

	fresh := tree.New()
	for i := len(stack) - 1; i >= 0; i-- {
		if code := stack[i].Apply(fresh); code != tree.OK {
			return fmt.Errorf("%w: operation at depth %d rejected on replay", ErrDataDamage, len(stack)-i)
		}
	}

	c.mu.Lock()
	c.trees[userID] = fresh
	c.mu.Unlock()
	c.log.Debug("loader: tree rehydrated", "user_id", userID, "operations", len(stack))
	return nil
}

// collectChain walks head-to-genesis and returns the decoded
// operations newest-first.
func (c *Cache) collectChain(ctx context.Context, userID string) ([]op.Operation, error) {
	var stack []op.Operation
	curr, err := c.history.GetHeadNode(ctx, userID)
	if errors.Is(err, history.ErrNoMetadata) {
		// Unprovisioned users replay to an empty tree.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for curr != nil {
		operation, err := op.Parse(curr.Operation)
		if err != nil {
			return nil, fmt.Errorf("%w: serial %d: %v", ErrDataDamage, curr.SerialNum, err)
		}
		stack = append(stack, operation)
		if curr.NextID == nil {
			break
		}
		next, err := c.history.GetByIDs(ctx, []int64{*curr.NextID})
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, fmt.Errorf("%w: dangling next link %d at serial %d",
				ErrDataDamage, *curr.NextID, curr.SerialNum)
		}
		curr = &next[0]
	}
	return stack, nil
}

// PushOperation applies one operation to the cached tree. No ledger
// I/O happens here; persisting is the caller's job. Returns Rejected
// if no tree is cached for the user.
func (c *Cache) PushOperation(operation op.Operation, userID string) tree.Code {
	c.mu.RLock()
	t, ok := c.trees[userID]
	c.mu.RUnlock()
	if !ok {
		return tree.Rejected
	}
	return operation.Apply(t)
}

// Tree returns the cached tree for a user, or nil.
func (c *Cache) Tree(userID string) *tree.Tree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trees[userID]
}

// Cleanup evicts the user's tree. Safe to call when no connection
// remains; the next Reload rebuilds from the ledger.
func (c *Cache) Cleanup(userID string) {
	c.mu.Lock()
	delete(c.trees, userID)
	c.mu.Unlock()
}
