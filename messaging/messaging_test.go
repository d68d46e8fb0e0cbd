package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/shardcore/dan-consensus/capability"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

// newLinkedPair returns two Transports wired to each other over inproc
// endpoints (no real network I/O, deterministic for tests), grounded on
// the same bind-then-connect ordering the ROUTER/DEALER pattern
// requires: each side must bind before the other side's dealer can
// connect to it, so peers are added only after both routers are bound.
func newLinkedPair(t *testing.T) (a, b *Transport, aID, bID types.NodeID) {
	t.Helper()
	aID = ids.GenerateTestNodeID()
	bID = ids.GenerateTestNodeID()

	aAddr := "inproc://dan-consensus-test-a-" + t.Name()
	bAddr := "inproc://dan-consensus-test-b-" + t.Name()

	var err error
	a, err = New(log.NewNoOpLogger(), aID, aAddr, nil)
	require.NoError(t, err)
	b, err = New(log.NewNoOpLogger(), bID, bAddr, nil)
	require.NoError(t, err)

	require.NoError(t, a.AddPeer(Peer{NodeID: bID, Addr: bAddr}))
	require.NoError(t, b.AddPeer(Peer{NodeID: aID, Addr: aAddr}))

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, aID, bID
}

func recvWithTimeout(t *testing.T, inbox <-chan capability.InboundMessage) capability.InboundMessage {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return capability.InboundMessage{}
	}
}

func TestSendToDeliversAcrossTransports(t *testing.T) {
	a, b, aID, bID := newLinkedPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	group := types.ShardGroup{Start: 0, End: 4}
	want := &wire.Message{Kind: wire.KindNewView, ShardGroup: group, NewView: &types.NewView{NewHeight: 7}}

	require.NoError(t, a.SendTo(ctx, bID, want))

	got := recvWithTimeout(t, b.Inbox())
	require.Equal(t, aID, got.From)
	require.Equal(t, wire.KindNewView, got.Message.Kind)
	require.Equal(t, uint64(7), got.Message.NewView.NewHeight)
}

func TestSendToUnknownPeerErrors(t *testing.T) {
	a, _, _, _ := newLinkedPair(t)
	err := a.SendTo(context.Background(), ids.GenerateTestNodeID(), &wire.Message{Kind: wire.KindNewView})
	require.Error(t, err)
}

func TestBroadcastReachesEveryConfiguredPeer(t *testing.T) {
	a, b, _, _ := newLinkedPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	group := types.ShardGroup{Start: 0, End: 4}
	msg := &wire.Message{Kind: wire.KindNewView, ShardGroup: group, NewView: &types.NewView{NewHeight: 3}}
	require.NoError(t, a.Broadcast(ctx, group, msg))

	got := recvWithTimeout(t, b.Inbox())
	require.Equal(t, uint64(3), got.Message.NewView.NewHeight)
}
