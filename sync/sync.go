// Package sync is the catch-up/replication responder (C11): it answers
// a peer's SyncRequest with a bounded, contiguous run of locally stored
// blocks plus the current HighQC, the server side of the request the
// worker (C9) already issues from onProposal/requestCatchUp when it
// receives a block whose parent it does not have.
//
// Grounded on engine/chain/bootstrap.Config's
// AncestorsMaxContainersReceived knob (a bounded-batch ancestor-fetch
// limit) and engine/bft/messages.go's newReplicationResponse, which
// answers a ReplicationRequest with a batch of rounds plus the
// responder's own latest round — generalized here from "rounds" to
// "blocks by height" and from "latest round" to HighQC.
package sync

import (
	"context"
	"errors"
	"fmt"

	log "github.com/luxfi/log"

	"github.com/shardcore/dan-consensus/capability"
	"github.com/shardcore/dan-consensus/storage"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

const defaultMaxBlocksPerResponse = 64

// Responder serves SyncRequest messages for one local shard group out
// of the local store.
type Responder struct {
	log           log.Logger
	shardGroup    types.ShardGroup
	store         *storage.Store
	out           capability.OutboundMessaging
	maxPerResponse int
}

// New returns a Responder for the local shard group. maxBlocksPerResponse
// <= 0 uses a sensible default.
func New(logger log.Logger, shardGroup types.ShardGroup, store *storage.Store, out capability.OutboundMessaging, maxBlocksPerResponse int) *Responder {
	if maxBlocksPerResponse <= 0 {
		maxBlocksPerResponse = defaultMaxBlocksPerResponse
	}
	return &Responder{
		log:            logger,
		shardGroup:     shardGroup,
		store:          store,
		out:            out,
		maxPerResponse: maxBlocksPerResponse,
	}
}

// Handle answers req with as many contiguous blocks above req.FromHeight
// as the local store has, capped at maxPerResponse and at req.ToHeight
// when it is non-zero, sent back to the requester along with the
// current HighQC (a zero QC when none is stored yet). A gap in the local chain (a height we don't have)
// truncates the batch rather than erroring: the peer can always issue a
// follow-up request once the gap is filled.
func (r *Responder) Handle(ctx context.Context, from types.NodeID, req wire.SyncRequest) error {
	if !req.ShardGroup.Equal(r.shardGroup) {
		return fmt.Errorf("sync: request for shard group %s does not match local group %s", req.ShardGroup, r.shardGroup)
	}

	var blocks []types.Block
	for h := req.FromHeight + 1; len(blocks) < r.maxPerResponse; h++ {
		if req.ToHeight != 0 && h > req.ToHeight {
			break
		}
		b, err := r.store.GetBlockByHeight(ctx, h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}

	highQC, err := r.store.GetHighQC(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("sync: reading high qc: %w", err)
	}

	resp := &wire.Message{
		Kind:       wire.KindSyncResponse,
		ShardGroup: r.shardGroup,
		SyncResponse: &wire.SyncResponse{
			Blocks: blocks,
			HighQC: highQC,
		},
	}
	if err := r.out.SendTo(ctx, from, resp); err != nil {
		return fmt.Errorf("sync: sending response to %s: %w", from, err)
	}
	r.log.Debug("sync: answered request", "from", from, "blocks", len(blocks), "requestedFrom", req.FromHeight, "requestedTo", req.ToHeight)
	return nil
}
