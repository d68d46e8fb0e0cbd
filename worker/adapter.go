package worker

import (
	"context"

	"github.com/shardcore/dan-consensus/capability"
	"github.com/shardcore/dan-consensus/storage"
	"github.com/shardcore/dan-consensus/types"
)

// storeTx wraps *storage.Tx as a capability.WriteTx. *storage.Tx already
// has every WriteTx method with the same signature, so each method here
// only forwards the call.
type storeTx struct{ tx *storage.Tx }

func (t storeTx) PutBlock(b types.Block) error              { return t.tx.PutBlock(b) }
func (t storeTx) PutQC(qc types.QuorumCertificate) error     { return t.tx.PutQC(qc) }
func (t storeTx) PutHighQC(qc types.QuorumCertificate) error { return t.tx.PutHighQC(qc) }
func (t storeTx) PutLockedBlock(id types.Hash) error         { return t.tx.PutLockedBlock(id) }
func (t storeTx) PutLeafBlock(id types.Hash) error           { return t.tx.PutLeafBlock(id) }
func (t storeTx) PutLastVoted(height uint64) error           { return t.tx.PutLastVoted(height) }
func (t storeTx) PutLock(l types.SubstateLock) error         { return t.tx.PutLock(l) }
func (t storeTx) PutBurntUtxo(u types.BurntUtxo) error       { return t.tx.PutBurntUtxo(u) }
func (t storeTx) Commit() error                              { return t.tx.Commit() }

// storeAdapter adapts *storage.Store to capability.StateStore.
type storeAdapter struct{ store *storage.Store }

// Adapt wraps a committed-state store for use as a worker's StateStore
// capability.
func Adapt(store *storage.Store) *storeAdapter { return &storeAdapter{store: store} }

func (a *storeAdapter) GetBlock(ctx context.Context, id types.Hash) (types.Block, error) {
	return a.store.GetBlock(ctx, id)
}

func (a *storeAdapter) GetQC(ctx context.Context, id types.Hash) (types.QuorumCertificate, error) {
	return a.store.GetQC(ctx, id)
}

func (a *storeAdapter) GetHighQC(ctx context.Context) (types.QuorumCertificate, error) {
	return a.store.GetHighQC(ctx)
}

func (a *storeAdapter) GetLockedBlock(ctx context.Context) (types.Hash, error) {
	return a.store.GetLockedBlock(ctx)
}

func (a *storeAdapter) GetLeafBlock(ctx context.Context) (types.Hash, error) {
	return a.store.GetLeafBlock(ctx)
}

func (a *storeAdapter) GetLastVoted(ctx context.Context) (uint64, error) {
	return a.store.GetLastVoted(ctx)
}

func (a *storeAdapter) GetBurntUtxo(ctx context.Context, id types.Hash) (types.BurntUtxo, error) {
	return a.store.GetBurntUtxo(ctx, id)
}

func (a *storeAdapter) Begin() capability.WriteTx {
	return storeTx{tx: a.store.Begin()}
}
