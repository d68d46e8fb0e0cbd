// Package capability defines the bundle of interfaces the worker (C9)
// is generic over: StateStore, EpochManager, LeaderStrategy,
// OutboundMessaging, InboundMessaging, SignatureService, and
// TransactionExecutor (spec.md §9). Production wires these to storage,
// epoch, messaging, and executor; tests wire them to in-memory fakes
// implementing the same contracts — grounded on the split between
// engine/chain/block.ChainVM (the production capability) and its
// test-double siblings elsewhere in the teacher's engine/chain tree.
package capability

import (
	"context"

	"github.com/shardcore/dan-consensus/epoch"
	"github.com/shardcore/dan-consensus/executor"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

// StateStore is the subset of storage.Store the worker needs: reading
// blocks, QCs, and the pacemaker's durable pointers, plus opening a
// WriteTx to persist a new proposal and its pointer updates atomically.
type StateStore interface {
	GetBlock(ctx context.Context, id types.Hash) (types.Block, error)
	GetQC(ctx context.Context, id types.Hash) (types.QuorumCertificate, error)
	GetHighQC(ctx context.Context) (types.QuorumCertificate, error)
	GetLockedBlock(ctx context.Context) (types.Hash, error)
	GetLeafBlock(ctx context.Context) (types.Hash, error)
	GetLastVoted(ctx context.Context) (uint64, error)
	GetBurntUtxo(ctx context.Context, id types.Hash) (types.BurntUtxo, error)

	Begin() WriteTx
}

// WriteTx is the subset of storage.Tx the worker's commit path needs.
// Mirrors storage.Store.Begin()/(*storage.Tx) one-for-one so a
// *storage.Tx satisfies this interface without an adapter.
type WriteTx interface {
	PutBlock(b types.Block) error
	PutQC(qc types.QuorumCertificate) error
	PutHighQC(qc types.QuorumCertificate) error
	PutLockedBlock(id types.Hash) error
	PutLeafBlock(id types.Hash) error
	PutLastVoted(height uint64) error
	PutLock(l types.SubstateLock) error
	PutBurntUtxo(u types.BurntUtxo) error
	Commit() error
}

// EpochManager exposes committee membership lookups.
type EpochManager interface {
	Committee(e types.Epoch, g types.ShardGroup) (epoch.Committee, error)
}

// LeaderStrategy re-exports epoch.LeaderStrategy so callers that only
// need the worker's capability bundle don't have to import epoch too.
type LeaderStrategy = epoch.LeaderStrategy

// OutboundMessaging sends messages to one peer or broadcasts to a
// committee.
type OutboundMessaging interface {
	SendTo(ctx context.Context, nodeID types.NodeID, msg *wire.Message) error
	Broadcast(ctx context.Context, group types.ShardGroup, msg *wire.Message) error
}

// InboundMessaging delivers messages addressed to the local replica.
// Worker reads from Inbox in its event loop's select statement.
type InboundMessaging interface {
	Inbox() <-chan InboundMessage
}

// InboundMessage pairs a received wire.Message with the sender.
type InboundMessage struct {
	From    types.NodeID
	Message *wire.Message
}

// SignatureService is the black-box sign/verify boundary spec.md §1
// places key management behind: callers never see key material, only
// challenge-in, signature-out and signature-in, bool-out.
type SignatureService interface {
	Sign(ctx context.Context, challenge []byte) (types.PartialSignature, error)
	Verify(ctx context.Context, sig types.PartialSignature, challenge []byte) bool
	Self() types.NodeID
}

// TransactionExecutor is executor.Oracle re-exported under the
// capability bundle's naming, for callers assembling a worker.Worker
// that only want to import capability.
type TransactionExecutor = executor.Oracle

// Bundle groups every capability a worker.Worker needs, matching
// spec.md §9's capability-bundle pattern: production code and test
// fakes both construct one of these and hand it to worker.New.
type Bundle struct {
	Store      StateStore
	Epochs     EpochManager
	Leaders    LeaderStrategy
	Outbound   OutboundMessaging
	Inbound    InboundMessaging
	Signatures SignatureService
	Executor   TransactionExecutor
}
