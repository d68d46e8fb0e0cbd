package types

import "time"

// ShardRoot is one shard's state-tree root after applying a block's
// diff to it, recorded as part of block.merkle_root_per_shard.
type ShardRoot struct {
	Shard Shard
	Root  Hash
}

// Block is a leader's proposal: a parent reference, a justifying QC,
// and an ordered list of commands. Its ID is the domain-separated hash
// of every field below except Signature and Dummy; of each command only
// its kind, transaction id, decision, foreign block id and burnt UTXO id
// are hashed (see wire.HashBlock; spec.md §6 wire layout).
type Block struct {
	ID         Hash
	ParentID   Hash
	JustifyQC  QuorumCertificate
	Proposer   NodeID
	Height     uint64
	Epoch      Epoch
	ShardGroup ShardGroup
	Commands   []Command

	// MerkleRootPerShard is ordered by shard ascending, matching the
	// wire layout's hash-input ordering requirement.
	MerkleRootPerShard []ShardRoot

	Timestamp          time.Time
	BaseLayerHeight    uint64
	ForeignIndexes     []Hash // ids of ForeignProposal blocks this block absorbed
	ExtraData          []byte
	Signature          []byte

	// Dummy is true when this block's height skips ahead of
	// parent.Height+1, which happens when a pacemaker timeout advances
	// the view past one or more heights nobody managed to propose at
	// (see SPEC_FULL.md §C.1). No placeholder block is ever built for
	// the skipped heights; the next real proposal simply carries
	// Dummy=true so validation's height-contiguity check is bypassed
	// for that one gap.
	Dummy bool
}

// IsEpochTerminal reports whether the block ends its epoch (carries an
// EndEpoch command). No command may legally follow an EndEpoch command
// within the same block.
func (b *Block) IsEpochTerminal() bool {
	for _, c := range b.Commands {
		if c.Kind == CommandEndEpoch {
			return true
		}
	}
	return false
}

// SortedShardRoots copies and sorts roots by shard ascending.
func SortedShardRoots(roots []ShardRoot) []ShardRoot {
	out := make([]ShardRoot, len(roots))
	copy(out, roots)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Shard < out[j-1].Shard; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
