package sync

import (
	"context"
	"testing"

	"github.com/luxfi/ids"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/shardcore/dan-consensus/storage"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

type fakeOutbound struct {
	sentTo  types.NodeID
	message *wire.Message
}

func (f *fakeOutbound) SendTo(ctx context.Context, nodeID types.NodeID, msg *wire.Message) error {
	f.sentTo = nodeID
	f.message = msg
	return nil
}

func (f *fakeOutbound) Broadcast(ctx context.Context, group types.ShardGroup, msg *wire.Message) error {
	return nil
}

func block(group types.ShardGroup, height uint64) types.Block {
	b := types.Block{Height: height, ShardGroup: group}
	b.ID = wire.HashBlock(b)
	return b
}

func TestHandleReturnsContiguousRunAndHighQC(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 4}
	store := storage.Open(storage.NewMemory(), group)
	ctx := context.Background()

	for h := uint64(1); h <= 3; h++ {
		b := block(group, h)
		tx := store.Begin()
		require.NoError(t, tx.PutBlock(b))
		require.NoError(t, tx.Commit())
	}
	highQC := types.QuorumCertificate{BlockHeight: 3}
	tx := store.Begin()
	require.NoError(t, tx.PutHighQC(highQC))
	require.NoError(t, tx.Commit())

	out := &fakeOutbound{}
	r := New(log.NewNoOpLogger(), group, store, out, 0)

	requester := ids.GenerateTestNodeID()
	err := r.Handle(ctx, requester, wire.SyncRequest{ShardGroup: group, FromHeight: 0, ToHeight: 0})
	require.NoError(t, err)

	require.Equal(t, requester, out.sentTo)
	require.Equal(t, wire.KindSyncResponse, out.message.Kind)
	require.Len(t, out.message.SyncResponse.Blocks, 3)
	require.Equal(t, uint64(1), out.message.SyncResponse.Blocks[0].Height)
	require.Equal(t, uint64(3), out.message.SyncResponse.Blocks[2].Height)
	require.Equal(t, highQC.BlockHeight, out.message.SyncResponse.HighQC.BlockHeight)
}

func TestHandleStopsAtGap(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 4}
	store := storage.Open(storage.NewMemory(), group)
	ctx := context.Background()

	for _, h := range []uint64{1, 2, 4} { // 3 missing
		b := block(group, h)
		tx := store.Begin()
		require.NoError(t, tx.PutBlock(b))
		require.NoError(t, tx.Commit())
	}

	out := &fakeOutbound{}
	r := New(log.NewNoOpLogger(), group, store, out, 0)

	require.NoError(t, r.Handle(ctx, ids.GenerateTestNodeID(), wire.SyncRequest{ShardGroup: group, FromHeight: 0, ToHeight: 0}))
	require.Len(t, out.message.SyncResponse.Blocks, 2)
}

func TestHandleRespectsToHeightAndMaxPerResponse(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 4}
	store := storage.Open(storage.NewMemory(), group)
	ctx := context.Background()

	for h := uint64(1); h <= 10; h++ {
		b := block(group, h)
		tx := store.Begin()
		require.NoError(t, tx.PutBlock(b))
		require.NoError(t, tx.Commit())
	}

	out := &fakeOutbound{}
	r := New(log.NewNoOpLogger(), group, store, out, 3)

	require.NoError(t, r.Handle(ctx, ids.GenerateTestNodeID(), wire.SyncRequest{ShardGroup: group, FromHeight: 0, ToHeight: 10}))
	require.Len(t, out.message.SyncResponse.Blocks, 3)

	require.NoError(t, r.Handle(ctx, ids.GenerateTestNodeID(), wire.SyncRequest{ShardGroup: group, FromHeight: 0, ToHeight: 2}))
	require.Len(t, out.message.SyncResponse.Blocks, 2)
}

func TestHandleRejectsMismatchedShardGroup(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 4}
	store := storage.Open(storage.NewMemory(), group)
	out := &fakeOutbound{}
	r := New(log.NewNoOpLogger(), group, store, out, 0)

	other := types.ShardGroup{Start: 4, End: 8}
	err := r.Handle(context.Background(), ids.GenerateTestNodeID(), wire.SyncRequest{ShardGroup: other, FromHeight: 0})
	require.Error(t, err)
	require.Nil(t, out.message)
}
