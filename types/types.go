// Package types defines the consensus-level entities shared by every
// component of the core: hashes, epochs, shards, committees, blocks,
// commands, and quorum certificates. Storage-level encodings live next
// to their owning package (storage, wire); this package only carries
// semantic shape, grounded on the field layouts in
// core/interfaces/context.go and engine/chain/block/block.go of the
// consensus engine this module was adapted from.
package types

import (
	"fmt"

	"github.com/luxfi/ids"
)

// Hash is a 32-byte domain-separated identifier. The same representation
// backs block ids, QC ids, transaction ids, and substate addresses; the
// domain separation lives in how hashing.Domain computes the preimage,
// not in the type.
type Hash = ids.ID

// NodeID identifies a validator.
type NodeID = ids.NodeID

// ZeroHash is the hash with no preimage, used as a parent id sentinel for
// the genesis block.
var ZeroHash = ids.Empty

// Epoch is a monotone, non-negative index into L1-driven committee
// epochs. Committees change only at epoch boundaries.
type Epoch uint64

// Shard identifies one partition of the substate key space, in
// [0, NumShards).
type Shard uint32

// ShardGroup is a contiguous range of shards assigned to one committee
// within an epoch.
type ShardGroup struct {
	Start Shard
	End   Shard // exclusive
}

// Contains reports whether s falls in the shard group's range.
func (g ShardGroup) Contains(s Shard) bool {
	return s >= g.Start && s < g.End
}

// Equal reports whether two shard groups cover the same range.
func (g ShardGroup) Equal(other ShardGroup) bool {
	return g.Start == other.Start && g.End == other.End
}

func (g ShardGroup) String() string {
	return fmt.Sprintf("[%d,%d)", g.Start, g.End)
}

// Decision is the outcome of a transaction at a given pool stage.
type Decision uint8

const (
	DecisionAccept Decision = iota
	DecisionAbort
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "Accept"
	}
	return "Abort"
}

// AbortReason records why a transaction was aborted. Kept as a string
// rather than an enum: the executor (an external oracle, per spec)
// originates most reasons and the set is open-ended.
type AbortReason string

const (
	AbortReasonNone               AbortReason = ""
	AbortReasonExecutionFailed    AbortReason = "execution_failed"
	AbortReasonLockConflict       AbortReason = "lock_conflict"
	AbortReasonForeignRejected    AbortReason = "foreign_rejected"
	AbortReasonInputNotFound      AbortReason = "input_not_found"
	AbortReasonInvalidTransaction AbortReason = "invalid_transaction"
)

// SubstateID identifies a versionless logical piece of state; a
// substate is only live as (SubstateID, Version).
type SubstateID = Hash

// SubstateAddress is the hash of (SubstateID, Version); its high-order
// bits determine the shard it belongs to.
type SubstateAddress = Hash

// ShardOf extracts the shard a substate address belongs to, given the
// network's shard count (must be a power of two).
func ShardOf(addr SubstateAddress, numShards uint32) Shard {
	if numShards == 0 {
		return 0
	}
	// high-order bits of the address select the shard, matching the
	// convention that addresses are uniformly distributed by hashing.
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(addr[i])
	}
	return Shard(v % numShards)
}
