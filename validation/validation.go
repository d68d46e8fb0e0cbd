// Package validation is the block/vote/QC acceptance boundary (C8):
// structural validation of a proposed block against its parent and
// justifying QC, legality of the pool-stage transitions a block's
// commands propose, and the sign/verify flow a replica's vote and a
// QC's signature set must pass before either is trusted.
//
// Grounded on the standalone HotStuff reference's Signer/Verifier split
// (Sign/CreatePartialCert/CreateQuorumCert vs. Verify/VerifyPartialCert/
// VerifyQuorumCert/VerifyTimeoutCert): this package keeps that
// hash-then-sign / hash-then-verify shape but drops CreateTimeoutCert
// (spec.md's pacemaker advances on a plain NewView carrying the sender's
// HighQC, not an aggregated timeout certificate).
package validation

import (
	"context"
	"fmt"

	"github.com/shardcore/dan-consensus/epoch"
	"github.com/shardcore/dan-consensus/hashing"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

// decisionTag mirrors the single byte spec.md §6 mixes into a vote's
// signing challenge so a Prepare-stage vote and an Accept-stage vote
// over the same block never collide as signable material.
func decisionTag(d types.Decision) byte {
	return byte(d)
}

// VoteChallenge returns the exact byte string a replica signs to cast
// vote v, and the same bytes a verifier re-derives to check it.
func VoteChallenge(v types.Vote) []byte {
	return hashing.VoteChallenge(v.LeafHash, v.BlockID, decisionTag(v.Decision))
}

// Signer is the capability a replica uses to produce its own vote
// signature. Grounded on the HotStuff reference's Signer interface,
// narrowed to the one operation this module needs (partial-cert
// creation is just signing the vote challenge; QC aggregation is
// BlockValidator.AggregateQC below, not a signing operation).
type Signer interface {
	Sign(ctx context.Context, challenge []byte) (types.PartialSignature, error)
}

// Verifier is the capability used to check a single signature or an
// aggregated QC against committee membership.
type Verifier interface {
	Verify(ctx context.Context, sig types.PartialSignature, challenge []byte) bool
}

// SignVote produces a Vote over a block's leaf hash with the given
// decision, signed by signer.
func SignVote(ctx context.Context, signer Signer, epoch types.Epoch, leafHash, blockID types.Hash, decision types.Decision) (types.Vote, error) {
	v := types.Vote{Epoch: epoch, BlockID: blockID, LeafHash: leafHash, Decision: decision}
	sig, err := signer.Sign(ctx, VoteChallenge(v))
	if err != nil {
		return types.Vote{}, fmt.Errorf("validation: signing vote: %w", err)
	}
	v.Signature = sig
	return v, nil
}

// VerifyVote checks a single vote's signature against the committee
// that is supposed to have cast it, returning an error naming why the
// vote is rejected.
func VerifyVote(ctx context.Context, verifier Verifier, committee epoch.Committee, v types.Vote) error {
	if !committee.Has(v.Signature.Signer) {
		return fmt.Errorf("validation: vote signer %s is not a member of shard group %s epoch %d", v.Signature.Signer, committee.ShardGroup, committee.Epoch)
	}
	if !verifier.Verify(ctx, v.Signature, VoteChallenge(v)) {
		return fmt.Errorf("validation: vote signature from %s failed verification", v.Signature.Signer)
	}
	return nil
}

// AggregateQC folds a set of already-verified votes over the same
// (block, decision) pair into a QuorumCertificate, failing if the
// combined weight does not meet the committee's quorum threshold.
// Mirrors the HotStuff reference's CreateQuorumCert, generalized from
// unweighted count to weighted stake per spec.md §4.2.
func AggregateQC(committee epoch.Committee, blockID types.Hash, blockHeight uint64, decision types.Decision, votes []types.Vote) (types.QuorumCertificate, error) {
	if len(votes) == 0 {
		return types.QuorumCertificate{}, fmt.Errorf("validation: cannot aggregate a QC from zero votes")
	}
	seen := make(map[types.NodeID]struct{}, len(votes))
	var weight uint64
	sigs := make([]types.PartialSignature, 0, len(votes))
	for _, v := range votes {
		if v.BlockID != blockID || v.Decision != decision {
			return types.QuorumCertificate{}, fmt.Errorf("validation: vote from %s does not match block %s decision %s", v.Signature.Signer, blockID, decision)
		}
		signer := v.Signature.Signer
		if _, dup := seen[signer]; dup {
			continue
		}
		if !committee.Has(signer) {
			return types.QuorumCertificate{}, fmt.Errorf("validation: vote signer %s is not a committee member", signer)
		}
		seen[signer] = struct{}{}
		weight += committee.WeightOf(signer)
		sigs = append(sigs, v.Signature)
	}
	if weight < committee.QuorumWeight() {
		return types.QuorumCertificate{}, fmt.Errorf("validation: aggregated weight %d below quorum %d", weight, committee.QuorumWeight())
	}
	qc := types.QuorumCertificate{
		BlockID:     blockID,
		BlockHeight: blockHeight,
		Epoch:       committee.Epoch,
		ShardGroup:  committee.ShardGroup,
		Decision:    decision,
		Signatures:  sigs,
	}
	qc.ID = wire.HashQC(qc)
	return qc, nil
}

// VerifyQC checks an already-assembled QC's structure: every signer is
// a distinct committee member, the aggregate weight clears quorum, and
// the QC's own id matches its content hash. It does not re-verify each
// member signature against a vote challenge — QuorumCertificate does
// not retain the per-voter leaf hash, so a signature is only ever
// checked once, by VerifyVote, before its vote is folded into a QC by
// AggregateQC.
func VerifyQC(committee epoch.Committee, qc types.QuorumCertificate) error {
	if qc.Epoch != committee.Epoch || !qc.ShardGroup.Equal(committee.ShardGroup) {
		return fmt.Errorf("validation: qc %s epoch/shard group does not match committee", qc.ID)
	}
	if wire.HashQC(qc) != qc.ID {
		return fmt.Errorf("validation: qc %s id does not match its content hash", qc.ID)
	}
	seen := make(map[types.NodeID]struct{}, len(qc.Signatures))
	var weight uint64
	for _, sig := range qc.Signatures {
		if _, dup := seen[sig.Signer]; dup {
			return fmt.Errorf("validation: qc %s has a duplicate signer %s", qc.ID, sig.Signer)
		}
		seen[sig.Signer] = struct{}{}
		if !committee.Has(sig.Signer) {
			return fmt.Errorf("validation: qc %s signer %s is not a committee member", qc.ID, sig.Signer)
		}
		weight += committee.WeightOf(sig.Signer)
	}
	if weight < committee.QuorumWeight() {
		return fmt.Errorf("validation: qc %s aggregate weight %d below quorum %d", qc.ID, weight, committee.QuorumWeight())
	}
	return nil
}

// ValidateBlock checks a proposed block's structural consistency
// against its parent and justifying QC, independent of any pool-stage
// semantics (those are checked separately by ValidateCommands).
func ValidateBlock(b types.Block, parent types.Block, committee epoch.Committee) error {
	if wire.HashBlock(b) != b.ID {
		return fmt.Errorf("validation: block %s id does not match its content hash", b.ID)
	}
	if b.ParentID != parent.ID {
		return fmt.Errorf("validation: block %s parent %s does not match supplied parent %s", b.ID, b.ParentID, parent.ID)
	}
	if b.Height != parent.Height+1 && !b.Dummy {
		return fmt.Errorf("validation: block %s height %d is not parent height %d + 1", b.ID, b.Height, parent.Height)
	}
	if b.JustifyQC.BlockID != parent.ID {
		return fmt.Errorf("validation: block %s justify_qc references %s, not its parent %s", b.ID, b.JustifyQC.BlockID, parent.ID)
	}
	if !committee.Has(b.Proposer) {
		return fmt.Errorf("validation: block %s proposer %s is not a member of shard group %s", b.ID, b.Proposer, b.ShardGroup)
	}
	if !b.ShardGroup.Equal(committee.ShardGroup) {
		return fmt.Errorf("validation: block %s shard group %s does not match committee %s", b.ID, b.ShardGroup, committee.ShardGroup)
	}
	for i, c := range b.Commands {
		if c.Kind == types.CommandEndEpoch && i != len(b.Commands)-1 {
			return fmt.Errorf("validation: block %s has a command after EndEpoch", b.ID)
		}
	}
	return nil
}

// ValidateStateRoots compares a block's declared per-shard state roots
// against the roots a replica independently recomputed from the block's
// diff (spec.md §4.9.1 step 6b). declared is taken as-is from the wire
// (order not yet trusted); recomputed is already sorted by shard
// ascending. A mismatched or incomplete declaration means the proposer
// forged or omitted a shard's root, and the caller must not vote for
// the block.
func ValidateStateRoots(declared, recomputed []types.ShardRoot) error {
	want := types.SortedShardRoots(declared)
	if len(want) != len(recomputed) {
		return fmt.Errorf("validation: block declares %d shard roots, recomputed %d", len(want), len(recomputed))
	}
	for i := range want {
		if want[i] != recomputed[i] {
			return fmt.Errorf("validation: shard %d declared root %s does not match recomputed root %s", recomputed[i].Shard, want[i].Root, recomputed[i].Root)
		}
	}
	return nil
}

// StageTransition pairs a pool record's prior stage with the command
// kind a block proposes for it, for batch-checking a block's commands
// in ValidateCommands.
type StageTransition struct {
	TransactionID types.Hash
	From          types.PoolStage
	Kind          types.CommandKind
}

// ValidateCommands checks every command in a block against the pool
// stage its transaction is currently in, rejecting the block if any
// command proposes an illegal transition (spec.md §4.5's stage
// machine, shared with txpool via types.NextStage so the two packages
// can't silently drift apart).
func ValidateCommands(transitions []StageTransition) error {
	for _, t := range transitions {
		if _, ok := types.NextStage(t.From, t.Kind); !ok {
			return fmt.Errorf("validation: transaction %s cannot go from stage %s via command %s", t.TransactionID, t.From, t.Kind)
		}
	}
	return nil
}
