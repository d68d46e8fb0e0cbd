// Package pending is the layered substate store (C3): the view a
// leader or validator reads when resolving a transaction's declared
// inputs, built by composing committed state (storage, C1) with the
// diffs of every not-yet-committed ancestor block between the tip and
// the locked block, and finally with the diff of the block currently
// being proposed or validated.
//
// Grounded on chains/atomic/shared_memory.go's scoped, layered
// key-value pattern (there, scoped by peer chain id; here, scoped by
// shard and layered by block id) and internal/linked's Hashmap for the
// ordered ancestor-diff chain, preserving the order blocks were pushed
// in without a separate index slice.
package pending

import (
	"context"
	"fmt"

	"github.com/shardcore/dan-consensus/internal/linked"
	"github.com/shardcore/dan-consensus/storage"
	"github.com/shardcore/dan-consensus/types"
)

// Layer is one uncommitted block's contribution to the pending view:
// its substate diff and the locks its transactions hold.
type Layer struct {
	BlockID  types.Hash
	ParentID types.Hash
	Epoch    types.Epoch
	Diff     types.BlockDiff
	Locks    []types.SubstateLock
}

// Store composes a committed storage.Store with a chain of uncommitted
// Layers. One Store per local shard.
type Store struct {
	shard     types.Shard
	committed *storage.Store
	chain     *linked.Hashmap[types.Hash, *Layer]
}

// New returns a Store with no pending layers, reading through to committed.
func New(shard types.Shard, committed *storage.Store) *Store {
	return &Store{shard: shard, committed: committed, chain: linked.NewHashmap[types.Hash, *Layer]()}
}

// PushLayer adds a new block's diff atop the pending chain. parentID
// must be the current tip (or the zero hash / locked block if the
// chain is currently empty); callers enforce that invariant since only
// the worker (C9) knows the locked block at push time.
func (s *Store) PushLayer(l *Layer) error {
	if _, ok := s.chain.Get(l.BlockID); ok {
		return fmt.Errorf("pending: layer for block %s already pushed", l.BlockID)
	}
	s.chain.Put(l.BlockID, l)
	return nil
}

// PopLayer removes a block's layer, used when that block is discarded
// (a losing fork) or folded into committed storage.
func (s *Store) PopLayer(blockID types.Hash) (*Layer, bool) {
	l, ok := s.chain.Get(blockID)
	if !ok {
		return nil, false
	}
	s.chain.Delete(blockID)
	return l, true
}

// Has reports whether a block's layer is currently tracked.
func (s *Store) Has(blockID types.Hash) bool {
	_, ok := s.chain.Get(blockID)
	return ok
}

// layers returns the tracked layers in push order (oldest first).
func (s *Store) layers() []*Layer {
	out := make([]*Layer, 0, s.chain.Len())
	iter := s.chain.NewIterator()
	for iter.Next() {
		out = append(out, iter.Value())
	}
	return out
}

// ResolveInput determines the current (version, value, destroyed)
// state of a substate id, checking the pending chain newest-layer-first
// before falling back to committed storage. found is false if the
// substate id has never been created anywhere in the visible history.
func (s *Store) ResolveInput(ctx context.Context, id types.SubstateID) (version uint32, value []byte, destroyed bool, found bool, err error) {
	layers := s.layers()
	for i := len(layers) - 1; i >= 0; i-- {
		for j := len(layers[i].Diff.Changes) - 1; j >= 0; j-- {
			c := layers[i].Diff.Changes[j]
			if c.SubstateID != id {
				continue
			}
			if c.Kind == types.ChangeDown {
				return c.Version, nil, true, true, nil
			}
			return c.Version, c.Value, false, true, nil
		}
	}

	ver, ok, err := s.committed.LatestSubstateVersion(ctx, id)
	if err != nil {
		return 0, nil, false, false, fmt.Errorf("pending: resolving %s against committed store: %w", id, err)
	}
	if !ok {
		return 0, nil, false, false, nil
	}
	rec, err := s.committed.GetSubstate(ctx, id, ver)
	if err != nil {
		return 0, nil, false, false, fmt.Errorf("pending: loading committed substate %s/%d: %w", id, ver, err)
	}
	return rec.Version, rec.Value, rec.Destroyed, true, nil
}

// ActiveLocks returns every lock recorded against a substate id across
// the pending chain (committed locks are released at commit time, so
// only pending layers are checked).
func (s *Store) ActiveLocks(id types.SubstateID) []types.SubstateLock {
	var out []types.SubstateLock
	for _, l := range s.layers() {
		for _, lock := range l.Locks {
			if lock.SubstateID == id {
				out = append(out, lock)
			}
		}
	}
	return out
}

// CheckLockConflict reports whether acquiring newLock would conflict
// with any existing lock held on the same substate id in the pending
// chain, per spec.md §4.3's lock-conflict rule (LockType.Conflicts).
func (s *Store) CheckLockConflict(newLock types.SubstateLock) (conflictsWith *types.SubstateLock, ok bool) {
	for _, existing := range s.ActiveLocks(newLock.SubstateID) {
		if existing.ByTransaction == newLock.ByTransaction {
			continue // a transaction never conflicts with its own prior lock
		}
		if existing.Version != newLock.Version {
			continue
		}
		if existing.Kind.Conflicts(newLock.Kind) {
			e := existing
			return &e, true
		}
	}
	return nil, false
}

// CommitThrough folds every layer from the oldest tracked block through
// blockID (inclusive) into committed storage via tx, in push order, and
// removes them from the pending chain. Called once worker (C9)
// finalizes a block under the three-chain commit rule.
func (s *Store) CommitThrough(ctx context.Context, tx *storage.Tx, blockID types.Hash) error {
	layers := s.layers()
	cut := -1
	for i, l := range layers {
		if l.BlockID == blockID {
			cut = i
			break
		}
	}
	if cut == -1 {
		return fmt.Errorf("pending: block %s not found in pending chain", blockID)
	}
	for i := 0; i <= cut; i++ {
		l := layers[i]
		if err := tx.PutBlockDiff(l.Diff); err != nil {
			return fmt.Errorf("pending: committing block diff %s: %w", l.BlockID, err)
		}
		seq, err := s.committed.NextStateTransitionSeq(ctx, l.Epoch, s.shard)
		if err != nil {
			return fmt.Errorf("pending: loading state transition seq for block %s: %w", l.BlockID, err)
		}
		for _, c := range l.Diff.Changes {
			rec, err := substateRecordFromChange(l.BlockID, c)
			if err != nil {
				return err
			}
			if c.Kind == types.ChangeDown {
				existing, err := s.committed.GetSubstate(ctx, c.SubstateID, c.Version)
				if err == nil {
					existing.Destroyed = true
					existing.DestroyedBlock = l.BlockID
					rec = existing
				}
			}
			if err := tx.PutSubstate(rec); err != nil {
				return fmt.Errorf("pending: committing substate %s/%d: %w", c.SubstateID, c.Version, err)
			}
			if err := tx.AppendStateTransition(types.StateTransition{
				Epoch:      l.Epoch,
				Shard:      s.shard,
				Seq:        seq,
				Kind:       c.Kind,
				SubstateID: c.SubstateID,
				Version:    c.Version,
			}); err != nil {
				return fmt.Errorf("pending: appending state transition for %s/%d: %w", c.SubstateID, c.Version, err)
			}
			seq++
		}
		if err := tx.PutStateTransitionSeq(l.Epoch, s.shard, seq); err != nil {
			return fmt.Errorf("pending: persisting state transition seq for block %s: %w", l.BlockID, err)
		}
		for _, lock := range l.Locks {
			if err := tx.DeleteLock(lock); err != nil {
				return fmt.Errorf("pending: releasing lock on %s/%d: %w", lock.SubstateID, lock.Version, err)
			}
		}
		s.chain.Delete(l.BlockID)
	}
	return nil
}

func substateRecordFromChange(blockID types.Hash, c types.SubstateChange) (types.SubstateRecord, error) {
	return types.SubstateRecord{
		SubstateID:    c.SubstateID,
		Version:       c.Version,
		Value:         c.Value,
		CreatedByTx:   c.CreatedByTx,
		CreatedBlock:  blockID,
	}, nil
}
