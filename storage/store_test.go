package storage

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/shardcore/dan-consensus/types"
)

func testGroup() types.ShardGroup {
	return types.ShardGroup{Start: 0, End: 4}
}

func TestStoreBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := Open(NewMemory(), testGroup())
	defer store.Close()

	b := types.Block{
		ID:         ids.GenerateTestID(),
		ParentID:   types.ZeroHash,
		Proposer:   ids.GenerateTestNodeID(),
		Height:     1,
		Epoch:      0,
		ShardGroup: testGroup(),
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}

	tx := store.Begin()
	require.NoError(t, tx.PutBlock(b))
	require.NoError(t, tx.Commit())

	got, err := store.GetBlock(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)
	require.Equal(t, b.Height, got.Height)
	require.True(t, b.Timestamp.Equal(got.Timestamp))

	byHeight, err := store.GetBlockByHeight(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, b.ID, byHeight.ID)
}

func TestStoreHighQCPersists(t *testing.T) {
	ctx := context.Background()
	store := Open(NewMemory(), testGroup())
	defer store.Close()

	qc := types.QuorumCertificate{
		ID:          ids.GenerateTestID(),
		BlockID:     ids.GenerateTestID(),
		BlockHeight: 5,
		Epoch:       2,
		ShardGroup:  testGroup(),
		Decision:    types.DecisionAccept,
	}

	tx := store.Begin()
	require.NoError(t, tx.PutHighQC(qc))
	require.NoError(t, tx.Commit())

	got, err := store.GetHighQC(ctx)
	require.NoError(t, err)
	require.Equal(t, qc.BlockID, got.BlockID)
	require.Equal(t, qc.BlockHeight, got.BlockHeight)
}

func TestStoreLocksListByPrefix(t *testing.T) {
	ctx := context.Background()
	store := Open(NewMemory(), testGroup())
	defer store.Close()

	sid := ids.GenerateTestID()
	l1 := types.SubstateLock{SubstateID: sid, Version: 1, ByTransaction: ids.GenerateTestID(), Kind: types.LockRead}
	l2 := types.SubstateLock{SubstateID: sid, Version: 1, ByTransaction: ids.GenerateTestID(), Kind: types.LockWrite}

	tx := store.Begin()
	require.NoError(t, tx.PutLock(l1))
	require.NoError(t, tx.PutLock(l2))
	require.NoError(t, tx.Commit())

	locks, err := store.ListLocks(ctx, sid)
	require.NoError(t, err)
	require.Len(t, locks, 2)
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := Open(NewMemory(), testGroup())
	defer store.Close()

	_, err := store.GetBlock(ctx, ids.GenerateTestID())
	require.ErrorIs(t, err, ErrNotFound)
}
