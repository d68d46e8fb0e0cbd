package foreign

import (
	"context"
	"errors"
	"testing"

	"github.com/luxfi/ids"
	log "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/shardcore/dan-consensus/epoch"
	"github.com/shardcore/dan-consensus/storage"
	"github.com/shardcore/dan-consensus/txpool"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

var errNoCommittee = errors.New("foreign_test: no committee registered")

type fakeEpochManager struct {
	committees map[types.Epoch]epoch.Committee
}

func (f *fakeEpochManager) Committee(e types.Epoch, g types.ShardGroup) (epoch.Committee, error) {
	c, ok := f.committees[e]
	if !ok || !c.ShardGroup.Equal(g) {
		return epoch.Committee{}, errNoCommittee
	}
	return c, nil
}

func testCommittee(t *testing.T, group types.ShardGroup, e types.Epoch, n int) epoch.Committee {
	t.Helper()
	members := make([]epoch.Member, n)
	for i := range members {
		members[i] = epoch.Member{NodeID: ids.GenerateTestNodeID(), Weight: 1}
	}
	return epoch.Committee{Epoch: e, ShardGroup: group, Members: members}
}

// foreignBlock builds a well-formed foreign block and a structurally
// valid QC over it (quorum weight, distinct committee signers, content
// hash consistent) without needing real cryptographic signatures: QC
// verification here checks structure, not per-signer signatures (those
// are checked once, by validation.VerifyVote, before a vote is folded
// into a QC by validation.AggregateQC).
func foreignBlock(committee epoch.Committee, height uint64, commands []types.Command) (types.Block, types.QuorumCertificate) {
	b := types.Block{
		Height:     height,
		Epoch:      committee.Epoch,
		ShardGroup: committee.ShardGroup,
		Commands:   commands,
	}
	b.ID = wire.HashBlock(b)

	sigs := make([]types.PartialSignature, 0, len(committee.Members))
	for _, m := range committee.Members {
		sigs = append(sigs, types.PartialSignature{Signer: m.NodeID, Signature: []byte("sig")})
	}
	qc := types.QuorumCertificate{
		BlockID:     b.ID,
		BlockHeight: height,
		Epoch:       committee.Epoch,
		ShardGroup:  committee.ShardGroup,
		Decision:    types.DecisionAccept,
		Signatures:  sigs,
	}
	qc.ID = wire.HashQC(qc)
	return b, qc
}

type testFixture struct {
	h          *Handler
	pool       *txpool.Pool
	store      *storage.Store
	localGroup types.ShardGroup
	foreign    types.ShardGroup
	committee  epoch.Committee
	epochs     *fakeEpochManager
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	localGroup := types.ShardGroup{Start: 0, End: 4}
	foreignGroup := types.ShardGroup{Start: 4, End: 8}
	committee := testCommittee(t, foreignGroup, 1, 4) // quorum weight 3

	pool, err := txpool.New(log.NewNoOpLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	store := storage.Open(storage.NewMemory(), localGroup)
	epochs := &fakeEpochManager{committees: map[types.Epoch]epoch.Committee{1: committee}}
	h := New(log.NewNoOpLogger(), localGroup, epochs, store, pool, 0)

	return &testFixture{h: h, pool: pool, store: store, localGroup: localGroup, foreign: foreignGroup, committee: committee, epochs: epochs}
}

func TestIngestMergesPreparedEvidenceForTrackedTransaction(t *testing.T) {
	f := newFixture(t)
	txID := ids.GenerateTestID()
	f.pool.AddCrossShard(txID, []types.ShardGroup{f.foreign})

	block, qc := foreignBlock(f.committee, 10, []types.Command{
		{Kind: types.CommandLocalPrepared, Atom: types.TransactionAtom{TransactionID: txID, Decision: types.DecisionAccept}},
	})

	err := f.h.Ingest(context.Background(), wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc})
	require.NoError(t, err)

	rec, ok := f.pool.Get(txID)
	require.True(t, ok)
	se, ok := rec.Atom.Evidence[types.EvidenceKey(f.foreign)]
	require.True(t, ok)
	require.NotNil(t, se.PreparedQCID)
	require.Equal(t, qc.ID, *se.PreparedQCID)
	require.False(t, se.RemoteRejected)
}

func TestIngestMergesAcceptedEvidence(t *testing.T) {
	f := newFixture(t)
	txID := ids.GenerateTestID()
	f.pool.AddCrossShard(txID, []types.ShardGroup{f.foreign})

	block, qc := foreignBlock(f.committee, 11, []types.Command{
		{Kind: types.CommandLocalAccepted, Atom: types.TransactionAtom{TransactionID: txID, Decision: types.DecisionAccept}},
	})

	require.NoError(t, f.h.Ingest(context.Background(), wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc}))

	rec, ok := f.pool.Get(txID)
	require.True(t, ok)
	se := rec.Atom.Evidence[types.EvidenceKey(f.foreign)]
	require.NotNil(t, se.AcceptedQCID)
	require.Equal(t, qc.ID, *se.AcceptedQCID)
}

func TestIngestMergesForeignAbort(t *testing.T) {
	f := newFixture(t)
	txID := ids.GenerateTestID()
	f.pool.AddCrossShard(txID, []types.ShardGroup{f.foreign})

	block, qc := foreignBlock(f.committee, 12, []types.Command{
		{Kind: types.CommandSomeAccepted, Atom: types.TransactionAtom{TransactionID: txID, Decision: types.DecisionAbort}},
	})

	require.NoError(t, f.h.Ingest(context.Background(), wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc}))

	rec, ok := f.pool.Get(txID)
	require.True(t, ok)
	se := rec.Atom.Evidence[types.EvidenceKey(f.foreign)]
	require.True(t, se.RemoteRejected)

	complete, rejected := rec.RequiredEvidence(types.StageLocalAccepted)
	require.True(t, complete)
	require.True(t, rejected)
}

func TestIngestIgnoresUntrackedTransaction(t *testing.T) {
	f := newFixture(t)
	txID := ids.GenerateTestID() // never added to the local pool

	block, qc := foreignBlock(f.committee, 10, []types.Command{
		{Kind: types.CommandLocalPrepared, Atom: types.TransactionAtom{TransactionID: txID}},
	})

	require.NoError(t, f.h.Ingest(context.Background(), wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc}))

	_, ok := f.pool.Get(txID)
	require.False(t, ok)
}

func TestIngestRejectsQCNotCertifyingBlock(t *testing.T) {
	f := newFixture(t)
	block, qc := foreignBlock(f.committee, 10, nil)
	qc.BlockID = ids.GenerateTestID()

	err := f.h.Ingest(context.Background(), wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc})
	require.Error(t, err)
}

func TestIngestRejectsBelowQuorumQC(t *testing.T) {
	f := newFixture(t)
	block, qc := foreignBlock(f.committee, 10, nil)
	qc.Signatures = qc.Signatures[:1] // below this committee's quorum weight of 3
	qc.ID = wire.HashQC(qc)
	qc.BlockID = block.ID

	err := f.h.Ingest(context.Background(), wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc})
	require.Error(t, err)
}

func TestIngestSkipsReVerificationOnCacheHit(t *testing.T) {
	f := newFixture(t)
	txID := ids.GenerateTestID()
	f.pool.AddCrossShard(txID, []types.ShardGroup{f.foreign})

	block, qc := foreignBlock(f.committee, 10, []types.Command{
		{Kind: types.CommandLocalPrepared, Atom: types.TransactionAtom{TransactionID: txID}},
	})
	fp := wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc}

	require.NoError(t, f.h.Ingest(context.Background(), fp))

	// Remove the committee: a fresh verification would now fail, but a
	// cached QC id should let the second ingest succeed anyway.
	delete(f.epochs.committees, f.committee.Epoch)
	require.NoError(t, f.h.Ingest(context.Background(), fp))
}

func TestSelectForInclusionOrdersByGroupThenHeightAndRespectsMax(t *testing.T) {
	f := newFixture(t)
	otherGroup := types.ShardGroup{Start: 8, End: 12}
	otherCommittee := testCommittee(t, otherGroup, 1, 4)
	// fakeEpochManager keys by epoch only, so two groups sharing epoch 1
	// need a manager that also distinguishes by group.
	combined := &multiGroupEpochManager{byGroup: map[string]epoch.Committee{
		f.foreign.String():  f.committee,
		otherGroup.String(): otherCommittee,
	}}
	f.h = New(log.NewNoOpLogger(), f.localGroup, combined, f.store, f.pool, 0)

	blockA, qcA := foreignBlock(f.committee, 20, nil)
	blockB, qcB := foreignBlock(f.committee, 5, nil)
	blockC, qcC := foreignBlock(otherCommittee, 1, nil)

	ctx := context.Background()
	require.NoError(t, f.h.Ingest(ctx, wire.ForeignProposal{Block: blockA, SourceShardGroup: f.foreign, QC: qcA}))
	require.NoError(t, f.h.Ingest(ctx, wire.ForeignProposal{Block: blockB, SourceShardGroup: f.foreign, QC: qcB}))
	require.NoError(t, f.h.Ingest(ctx, wire.ForeignProposal{Block: blockC, SourceShardGroup: otherGroup, QC: qcC}))

	cmds, err := f.h.SelectForInclusion(ctx, 2)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	// f.foreign ([4,8)) sorts before otherGroup ([8,12)); within f.foreign,
	// height 5 sorts before height 20.
	require.Equal(t, blockB.ID, cmds[0].ForeignBlockID)
	require.Equal(t, blockA.ID, cmds[1].ForeignBlockID)
}

func TestAbsorbDeletesIncludedProposals(t *testing.T) {
	f := newFixture(t)
	block, qc := foreignBlock(f.committee, 7, nil)
	ctx := context.Background()
	require.NoError(t, f.h.Ingest(ctx, wire.ForeignProposal{Block: block, SourceShardGroup: f.foreign, QC: qc}))

	before, err := f.store.ListForeignProposals(ctx, f.foreign)
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, f.h.Absorb(ctx, []types.Command{
		{Kind: types.CommandForeignProposal, ForeignBlockID: block.ID, ForeignShardGroup: f.foreign},
	}))

	after, err := f.store.ListForeignProposals(ctx, f.foreign)
	require.NoError(t, err)
	require.Empty(t, after)
}

// multiGroupEpochManager distinguishes committees by shard group, unlike
// fakeEpochManager which only keys by epoch (fine when a test only needs
// one foreign group registered at a time).
type multiGroupEpochManager struct {
	byGroup map[string]epoch.Committee
}

func (m *multiGroupEpochManager) Committee(e types.Epoch, g types.ShardGroup) (epoch.Committee, error) {
	c, ok := m.byGroup[g.String()]
	if !ok || c.Epoch != e {
		return epoch.Committee{}, errNoCommittee
	}
	return c, nil
}
