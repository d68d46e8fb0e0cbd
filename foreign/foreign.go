// Package foreign is the Foreign Proposal Handler (C10): it ingests
// another committee's committed (or locked) blocks, verifies their
// quorum certificates, and merges the decisions they carry into any
// local transaction that shares a substate with them. It also tracks
// which ingested proposals a local block has not yet absorbed, so a
// leader can include a bounded batch of the oldest ones as
// ForeignProposal commands.
//
// Grounded on chains/atomic/shared_memory.go's shape: a small,
// per-remote-chain inbox keyed by (source, id), generalized here from a
// single linear chain to a shard group. The verified-QC cache is
// adapted from dag/witness's generic LRU (internal/lru), sized to avoid
// re-verifying the same QC once per local transaction its evidence
// touches.
package foreign

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/luxfi/log"

	"github.com/shardcore/dan-consensus/capability"
	"github.com/shardcore/dan-consensus/internal/lru"
	"github.com/shardcore/dan-consensus/storage"
	"github.com/shardcore/dan-consensus/txpool"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/validation"
	"github.com/shardcore/dan-consensus/wire"
)

const defaultVerifiedCacheSize = 1024

// Handler absorbs foreign committees' proposals into the local
// transaction pool's evidence. One Handler is constructed per local
// shard group, mirroring the per-shard-group scoping of storage.Store
// and txpool.Pool it wraps.
type Handler struct {
	log        log.Logger
	localGroup types.ShardGroup
	epochs     capability.EpochManager
	store      *storage.Store
	pool       *txpool.Pool

	verified *lru.Cache[types.Hash, struct{}]

	mu     sync.Mutex
	groups map[string]types.ShardGroup // every source shard group ever ingested from
}

// New returns a Handler for the local shard group, backed by store for
// proposal persistence and pool for evidence merging. verifiedCacheSize
// <= 0 uses a sensible default.
func New(logger log.Logger, localGroup types.ShardGroup, epochs capability.EpochManager, store *storage.Store, pool *txpool.Pool, verifiedCacheSize int) *Handler {
	if verifiedCacheSize <= 0 {
		verifiedCacheSize = defaultVerifiedCacheSize
	}
	return &Handler{
		log:        logger,
		localGroup: localGroup,
		epochs:     epochs,
		store:      store,
		pool:       pool,
		verified:   lru.New[types.Hash, struct{}](verifiedCacheSize),
		groups:     make(map[string]types.ShardGroup),
	}
}

// Ingest validates and stores a foreign proposal, de-duplicated by
// (source shard group, block id), and merges its evidence into every
// local transaction it mentions. A re-ingest of an already-seen
// (group, block) pair is cheap: PutForeignProposal overwrites the same
// key and the QC cache skips re-verification, but evidence is always
// re-merged since types.Evidence.Merge is idempotent.
func (h *Handler) Ingest(ctx context.Context, fp wire.ForeignProposal) error {
	if fp.SourceShardGroup.Equal(h.localGroup) {
		return fmt.Errorf("foreign: refusing to ingest a proposal from our own shard group %s", h.localGroup)
	}
	if fp.QC.BlockID != fp.Block.ID {
		return fmt.Errorf("foreign: qc %s does not certify block %s", fp.QC.ID, fp.Block.ID)
	}

	if _, cached := h.verified.Get(fp.QC.ID); !cached {
		committee, err := h.epochs.Committee(fp.Block.Epoch, fp.SourceShardGroup)
		if err != nil {
			return fmt.Errorf("foreign: no committee for source group %s epoch %d: %w", fp.SourceShardGroup, fp.Block.Epoch, err)
		}
		if err := validation.VerifyQC(committee, fp.QC); err != nil {
			return fmt.Errorf("foreign: qc verification failed: %w", err)
		}
		h.verified.Add(fp.QC.ID, struct{}{})
	}

	tx := h.store.Begin()
	if err := tx.PutForeignProposal(fp.SourceShardGroup, fp.Block); err != nil {
		return fmt.Errorf("foreign: persisting proposal %s: %w", fp.Block.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("foreign: committing proposal %s: %w", fp.Block.ID, err)
	}

	h.mu.Lock()
	h.groups[fp.SourceShardGroup.String()] = fp.SourceShardGroup
	h.mu.Unlock()

	h.mergeEvidence(fp.SourceShardGroup, fp.QC.ID, fp.Block)
	h.log.Debug("foreign: ingested proposal", "group", fp.SourceShardGroup, "block", fp.Block.ID)
	return nil
}

// mergeEvidence implements spec.md §4.10's ingest rule: every command
// in the foreign block whose transaction this shard also tracks updates
// that transaction's evidence map for the source shard group.
func (h *Handler) mergeEvidence(sourceGroup types.ShardGroup, qcID types.Hash, block types.Block) {
	local := make(map[types.Hash]struct{})
	for _, id := range h.pool.AllIDs() {
		local[id] = struct{}{}
	}

	for _, c := range block.Commands {
		txID := c.Atom.TransactionID
		if _, tracked := local[txID]; !tracked {
			continue
		}
		se := types.ShardEvidence{Group: sourceGroup}
		switch c.Kind {
		case types.CommandLocalPrepared:
			id := qcID
			se.PreparedQCID = &id
		case types.CommandLocalAccepted:
			if c.Atom.Decision == types.DecisionAccept {
				id := qcID
				se.AcceptedQCID = &id
			} else {
				se.RemoteRejected = true
			}
		case types.CommandSomePrepared, types.CommandSomeAccepted:
			se.RemoteRejected = true
		default:
			continue
		}
		if h.pool.MergeEvidence(txID, sourceGroup, se) {
			h.log.Debug("foreign: merged evidence", "txID", txID, "group", sourceGroup, "qc", qcID)
		}
	}
}

// pendingProposal is one not-yet-included foreign proposal, ordered for
// deterministic selection.
type pendingProposal struct {
	group types.ShardGroup
	block types.Block
}

// SelectForInclusion returns up to max of the oldest unincluded foreign
// proposals as ForeignProposal commands, for a leader to append to a
// new block. Ordering is deterministic: by source shard group ascending
// (Start then End), then by block height ascending — spec.md §4.10
// leaves the merge order across committees unspecified beyond "oldest
// first"; this resolves it the same way two independent leaders would
// need to agree, by a total order over (shard group, height) rather
// than observation order.
func (h *Handler) SelectForInclusion(ctx context.Context, max int) ([]types.Command, error) {
	if max <= 0 {
		return nil, nil
	}
	h.mu.Lock()
	groups := make([]types.ShardGroup, 0, len(h.groups))
	for _, g := range h.groups {
		groups = append(groups, g)
	}
	h.mu.Unlock()

	var all []pendingProposal
	for _, g := range groups {
		blocks, err := h.store.ListForeignProposals(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("foreign: listing proposals for group %s: %w", g, err)
		}
		for _, b := range blocks {
			all = append(all, pendingProposal{group: g, block: b})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		gi, gj := all[i].group, all[j].group
		if gi.Start != gj.Start {
			return gi.Start < gj.Start
		}
		if gi.End != gj.End {
			return gi.End < gj.End
		}
		return all[i].block.Height < all[j].block.Height
	})

	if len(all) > max {
		all = all[:max]
	}
	out := make([]types.Command, 0, len(all))
	for _, p := range all {
		out = append(out, types.Command{
			Kind:              types.CommandForeignProposal,
			ForeignBlockID:    p.block.ID,
			ForeignShardGroup: p.group,
		})
	}
	return out, nil
}

// Absorb deletes every foreign proposal named by a ForeignProposal
// command in commands, called once the block carrying those commands
// is committed (spec.md §4.10: "after inclusion and commit, the
// proposal is deleted").
func (h *Handler) Absorb(ctx context.Context, commands []types.Command) error {
	var toDelete []types.Command
	for _, c := range commands {
		if c.Kind == types.CommandForeignProposal {
			toDelete = append(toDelete, c)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	tx := h.store.Begin()
	for _, c := range toDelete {
		if err := tx.DeleteForeignProposal(c.ForeignShardGroup, c.ForeignBlockID); err != nil {
			return fmt.Errorf("foreign: deleting absorbed proposal %s: %w", c.ForeignBlockID, err)
		}
	}
	return tx.Commit()
}
