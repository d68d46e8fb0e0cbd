package types

import "github.com/shardcore/dan-consensus/hashing"

// LockType is the kind of hold a transaction places on a substate while
// it is in flight across unfinalized blocks.
type LockType uint8

const (
	LockRead LockType = iota
	LockWrite
	LockOutput
)

func (l LockType) String() string {
	switch l {
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockOutput:
		return "Output"
	default:
		return "Unknown"
	}
}

// Conflicts reports whether a new lock of kind l conflicts with an
// existing lock of kind other, per spec.md §4.3: Write conflicts with
// Read or Write; Read conflicts with Write; Output only conflicts with
// another Output on the same substate id (checked by the caller, which
// already scopes by substate id).
func (l LockType) Conflicts(other LockType) bool {
	switch {
	case l == LockOutput || other == LockOutput:
		return l == LockOutput && other == LockOutput
	case l == LockWrite || other == LockWrite:
		return true
	default:
		return false // Read vs Read
	}
}

// SubstateLock records one transaction's hold on a substate version
// while it is in flight across the unfinalized chain.
type SubstateLock struct {
	SubstateID    SubstateID
	Version       uint32
	ByTransaction Hash
	Kind          LockType
	IsLocalOnly   bool
}

// SubstateValue is the opaque payload a live substate holds. Its
// contents are interpreted only by the executor oracle (C4); the core
// never inspects it beyond hashing it for the state tree.
type SubstateValue []byte

// SubstateRecord is the lifecycle record of one (SubstateID, Version)
// pair: created exactly once (by a committed Up) and destroyed at most
// once (by a committed Down).
type SubstateRecord struct {
	SubstateID SubstateID
	Version    uint32
	Value      SubstateValue

	CreatedByTx       Hash
	CreatedJustifyQC  Hash
	CreatedBlock      Hash
	CreatedHeight     uint64
	CreatedEpoch      Epoch
	CreatedShard      Shard

	Destroyed         bool
	DestroyedByTx      Hash
	DestroyedJustifyQC Hash
	DestroyedBlock     Hash
	DestroyedHeight    uint64
	DestroyedEpoch     Epoch
	DestroyedShard     Shard
}

// Address is the substate's SubstateAddress, the state tree's key.
func (r SubstateRecord) Address() SubstateAddress {
	return hashing.SubstateAddress(r.SubstateID, r.Version)
}

// SubstateChangeKind tags a staged change to a substate.
type SubstateChangeKind uint8

const (
	ChangeUp SubstateChangeKind = iota
	ChangeDown
)

// SubstateChange is one entry of a block's (or a pending layer's) diff.
type SubstateChange struct {
	Kind       SubstateChangeKind
	SubstateID SubstateID
	Version    uint32
	Value      SubstateValue // populated for Up, empty for Down
	CreatedByTx Hash
}

// BlockDiff is the ordered set of substate changes a block proposes,
// keyed implicitly by the block it belongs to.
type BlockDiff struct {
	BlockID Hash
	Shard   Shard
	Changes []SubstateChange
}

// StateTransitionKind mirrors SubstateChangeKind at the catch-up log
// level; kept distinct because a StateTransition additionally carries
// the (epoch, shard, seq) coordinates catch-up replays by.
type StateTransitionKind = SubstateChangeKind

// StateTransition is one entry of the per-shard, append-only log used
// by catch-up to replay committed changes without replaying whole
// blocks.
type StateTransition struct {
	Epoch      Epoch
	Shard      Shard
	Seq        uint64
	Kind       StateTransitionKind
	SubstateID SubstateID
	Version    uint32
}

// BurntUtxo is an L1-origin output waiting to be minted into a substate
// via a MintConfidentialOutput command.
type BurntUtxo struct {
	ID             Hash
	Value          SubstateValue
	MintedAtHeight uint64 // base-layer height the burn was confirmed at
	ProposedBlock  *Hash  // set once included in a MintConfidentialOutput command
}

// IsProposed reports whether the UTXO has already been referenced by a
// pending block.
func (u BurntUtxo) IsProposed() bool {
	return u.ProposedBlock != nil
}
