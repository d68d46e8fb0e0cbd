package validation

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/shardcore/dan-consensus/epoch"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

// fakeSignatureService signs by concatenating (signer id || challenge),
// and verifies by recomputing the same bytes — standing in
// for a real SignatureService without pulling in actual key material.
type fakeSignatureService struct {
	self types.NodeID
}

func (f fakeSignatureService) Sign(ctx context.Context, challenge []byte) (types.PartialSignature, error) {
	return types.PartialSignature{Signer: f.self, Signature: signatureFor(f.self, challenge)}, nil
}

func (f fakeSignatureService) Verify(ctx context.Context, sig types.PartialSignature, challenge []byte) bool {
	want := signatureFor(sig.Signer, challenge)
	if len(want) != len(sig.Signature) {
		return false
	}
	for i := range want {
		if want[i] != sig.Signature[i] {
			return false
		}
	}
	return true
}

func signatureFor(signer types.NodeID, challenge []byte) []byte {
	out := make([]byte, 0, len(challenge)+len(signer[:]))
	out = append(out, signer[:]...)
	out = append(out, challenge...)
	return out
}

func testCommittee(t *testing.T, n int) (epoch.Committee, []types.NodeID) {
	t.Helper()
	ids2 := make([]types.NodeID, n)
	members := make([]epoch.Member, n)
	for i := range members {
		ids2[i] = ids.GenerateTestNodeID()
		members[i] = epoch.Member{NodeID: ids2[i], Weight: 1}
	}
	return epoch.Committee{Epoch: 1, ShardGroup: types.ShardGroup{Start: 0, End: 4}, Members: members}, ids2
}

func testBlock(t *testing.T, parent types.Block, committee epoch.Committee, proposer types.NodeID) types.Block {
	t.Helper()
	b := types.Block{
		ParentID:   parent.ID,
		JustifyQC:  types.QuorumCertificate{BlockID: parent.ID},
		Proposer:   proposer,
		Height:     parent.Height + 1,
		Epoch:      committee.Epoch,
		ShardGroup: committee.ShardGroup,
		Timestamp:  time.Unix(1000, 0),
	}
	b.ID = wire.HashBlock(b)
	return b
}

func TestSignAndVerifyVoteRoundTrip(t *testing.T) {
	committee, members := testCommittee(t, 4)
	svc := fakeSignatureService{self: members[0]}

	vote, err := SignVote(context.Background(), svc, committee.Epoch, ids.GenerateTestID(), ids.GenerateTestID(), types.DecisionAccept)
	require.NoError(t, err)
	require.Equal(t, members[0], vote.Signature.Signer)

	require.NoError(t, VerifyVote(context.Background(), svc, committee, vote))
}

func TestVerifyVoteRejectsNonMember(t *testing.T) {
	committee, _ := testCommittee(t, 4)
	outsider := fakeSignatureService{self: ids.GenerateTestNodeID()}

	vote, err := SignVote(context.Background(), outsider, committee.Epoch, ids.GenerateTestID(), ids.GenerateTestID(), types.DecisionAccept)
	require.NoError(t, err)

	require.Error(t, VerifyVote(context.Background(), outsider, committee, vote))
}

func TestVerifyVoteRejectsBadSignature(t *testing.T) {
	committee, members := testCommittee(t, 4)
	svc := fakeSignatureService{self: members[0]}

	vote, err := SignVote(context.Background(), svc, committee.Epoch, ids.GenerateTestID(), ids.GenerateTestID(), types.DecisionAccept)
	require.NoError(t, err)
	vote.Signature.Signature = append([]byte{0xff}, vote.Signature.Signature...)

	require.Error(t, VerifyVote(context.Background(), svc, committee, vote))
}

func TestAggregateQCMeetsQuorum(t *testing.T) {
	committee, members := testCommittee(t, 4) // quorum weight 3
	blockID := ids.GenerateTestID()
	leafHash := ids.GenerateTestID()

	var votes []types.Vote
	for _, m := range members[:3] {
		svc := fakeSignatureService{self: m}
		v, err := SignVote(context.Background(), svc, committee.Epoch, leafHash, blockID, types.DecisionAccept)
		require.NoError(t, err)
		votes = append(votes, v)
	}

	qc, err := AggregateQC(committee, blockID, 5, types.DecisionAccept, votes)
	require.NoError(t, err)
	require.Equal(t, blockID, qc.BlockID)
	require.Len(t, qc.Signatures, 3)
	require.NoError(t, VerifyQC(committee, qc))
}

func TestAggregateQCFailsBelowQuorum(t *testing.T) {
	committee, members := testCommittee(t, 4) // quorum weight 3
	blockID := ids.GenerateTestID()
	leafHash := ids.GenerateTestID()

	svc := fakeSignatureService{self: members[0]}
	v, err := SignVote(context.Background(), svc, committee.Epoch, leafHash, blockID, types.DecisionAccept)
	require.NoError(t, err)

	_, err = AggregateQC(committee, blockID, 5, types.DecisionAccept, []types.Vote{v})
	require.Error(t, err)
}

func TestVerifyQCRejectsTamperedID(t *testing.T) {
	committee, members := testCommittee(t, 4)
	blockID := ids.GenerateTestID()
	leafHash := ids.GenerateTestID()

	var votes []types.Vote
	for _, m := range members[:3] {
		svc := fakeSignatureService{self: m}
		v, err := SignVote(context.Background(), svc, committee.Epoch, leafHash, blockID, types.DecisionAccept)
		require.NoError(t, err)
		votes = append(votes, v)
	}
	qc, err := AggregateQC(committee, blockID, 5, types.DecisionAccept, votes)
	require.NoError(t, err)

	qc.ID = ids.GenerateTestID()
	require.Error(t, VerifyQC(committee, qc))
}

func TestValidateBlockAcceptsWellFormedChild(t *testing.T) {
	committee, members := testCommittee(t, 4)
	genesis := types.Block{ID: ids.GenerateTestID(), Height: 0, ShardGroup: committee.ShardGroup, Epoch: committee.Epoch}
	child := testBlock(t, genesis, committee, members[0])

	require.NoError(t, ValidateBlock(child, genesis, committee))
}

func TestValidateBlockRejectsWrongParent(t *testing.T) {
	committee, members := testCommittee(t, 4)
	genesis := types.Block{ID: ids.GenerateTestID(), Height: 0, ShardGroup: committee.ShardGroup, Epoch: committee.Epoch}
	child := testBlock(t, genesis, committee, members[0])

	otherParent := types.Block{ID: ids.GenerateTestID(), Height: 0}
	require.Error(t, ValidateBlock(child, otherParent, committee))
}

func TestValidateBlockRejectsNonMemberProposer(t *testing.T) {
	committee, _ := testCommittee(t, 4)
	genesis := types.Block{ID: ids.GenerateTestID(), Height: 0, ShardGroup: committee.ShardGroup, Epoch: committee.Epoch}
	child := testBlock(t, genesis, committee, ids.GenerateTestNodeID())

	require.Error(t, ValidateBlock(child, genesis, committee))
}

func TestValidateBlockRejectsCommandAfterEndEpoch(t *testing.T) {
	committee, members := testCommittee(t, 4)
	genesis := types.Block{ID: ids.GenerateTestID(), Height: 0, ShardGroup: committee.ShardGroup, Epoch: committee.Epoch}
	child := testBlock(t, genesis, committee, members[0])
	child.Commands = []types.Command{{Kind: types.CommandEndEpoch}, {Kind: types.CommandPrepare}}
	child.ID = wire.HashBlock(child)

	require.Error(t, ValidateBlock(child, genesis, committee))
}

func TestValidateCommandsRejectsIllegalTransition(t *testing.T) {
	txID := ids.GenerateTestID()
	err := ValidateCommands([]StageTransition{
		{TransactionID: txID, From: types.StageNew, Kind: types.CommandLocalPrepared},
	})
	require.Error(t, err)
}

func TestValidateCommandsAcceptsLegalChain(t *testing.T) {
	txID := ids.GenerateTestID()
	err := ValidateCommands([]StageTransition{
		{TransactionID: txID, From: types.StageNew, Kind: types.CommandPrepare},
		{TransactionID: txID, From: types.StagePrepared, Kind: types.CommandLocalPrepared},
	})
	require.NoError(t, err)
}
