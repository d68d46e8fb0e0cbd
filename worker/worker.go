// Package worker is the HotStuff event loop (C9): the single task that
// owns HighQC, LockedBlock, LeafBlock, and LastVoted, handles incoming
// Proposal/Vote/NewView/ForeignProposal/SyncResponse messages, and
// drives proposing when the pacemaker calls OnBeat.
//
// Grounded on the standalone HotStuff reference's Consensus interface
// (OnPropose/OnVote/OnDeliver/Propose, Config/Signer/Verifier/
// ViewSynchronizer collaborators) and the teacher's engine/bft
// wrapper.Engine (Start/Stop/HealthCheck shape) plus
// consensus/beam/engine.go's biased select over a local timer channel,
// a remote-certificate channel, and ctx.Done(). This package
// generalizes that three-way select into the five-tier biased select
// spec.md §4.9 names (shutdown, pacemaker beats, inbound messages,
// mempool new-txn, catch-up responses) by collapsing catch-up responses
// into the inbound tier (they arrive as an ordinary wire.Message kind,
// so a sixth channel would only duplicate dispatch logic already living
// in handleInbound).
package worker

import (
	"context"
	"fmt"
	"sync"

	log "github.com/luxfi/log"

	"github.com/shardcore/dan-consensus/capability"
	"github.com/shardcore/dan-consensus/epoch"
	"github.com/shardcore/dan-consensus/executor"
	"github.com/shardcore/dan-consensus/foreign"
	"github.com/shardcore/dan-consensus/hashing"
	"github.com/shardcore/dan-consensus/pending"
	"github.com/shardcore/dan-consensus/statetree"
	"github.com/shardcore/dan-consensus/storage"
	dansync "github.com/shardcore/dan-consensus/sync"
	"github.com/shardcore/dan-consensus/txpool"
	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/validation"
	"github.com/shardcore/dan-consensus/wire"
)

// Config wires one Worker to its capability bundle and collaborators.
type Config struct {
	Logger     log.Logger
	ShardGroup types.ShardGroup
	NumShards  uint32
	Epoch      types.Epoch

	Bundle capability.Bundle

	// RawStore gives the worker a concrete *storage.Store for the one
	// operation capability.StateStore's narrowed interface can't
	// express: pending.Store.CommitThrough needs a real *storage.Tx,
	// not the WriteTx subset the capability bundle exposes.
	RawStore *storage.Store

	// Trees holds the per-shard state trees (C2) this worker's blocks
	// declare roots against. Nil is valid: a fresh, empty store is
	// constructed by New, matching a replica that has committed nothing
	// yet.
	Trees *statetree.Store

	Pending      *pending.Store
	Pool         *txpool.Pool
	Pacemaker    PacemakerHandle
	MaxCommands  int
	MaxExecutors int64

	// Foreign ingests and re-proposes other committees' evidence
	// (C10). Nil is valid for a deployment that never needs
	// cross-shard transactions: dispatch drops ForeignProposal
	// messages and propose never appends ForeignProposal commands.
	Foreign    *foreign.Handler
	MaxForeign int

	// Sync answers catch-up requests from peers who are behind (C11).
	// Nil is valid: dispatch then drops SyncRequest messages, leaving
	// the asking peer to retry against a different committee member.
	Sync *dansync.Responder
}

// PacemakerHandle is the subset of *pacemaker.Pacemaker the worker
// drives and is driven by, narrowed so this package does not need to
// import pacemaker's Config type just to call AdvanceHeight/Height.
type PacemakerHandle interface {
	Height() uint64
	Leader() (types.NodeID, error)
	AdvanceHeight(qc types.QuorumCertificate)
	Start()
	Stop()
}

type voteKey struct {
	BlockID  types.Hash
	Decision types.Decision
}

// Worker is the per-shard-group consensus task. Exactly one goroutine
// should call Run; every other method that touches worker state is
// invoked only from within that goroutine (Callback methods enqueue
// onto internal channels instead of mutating state directly, keeping
// the single-task ownership rule spec.md §5 requires).
type Worker struct {
	log        log.Logger
	shardGroup types.ShardGroup
	numShards  uint32
	epoch      types.Epoch

	store    capability.StateStore
	rawStore *storage.Store
	epochMgr capability.EpochManager
	leaders  capability.LeaderStrategy
	out      capability.OutboundMessaging
	in       capability.InboundMessaging
	sig      capability.SignatureService
	exec     *executor.Executor
	trees    *statetree.Store

	pending     *pending.Store
	pool        *txpool.Pool
	pacemaker   PacemakerHandle
	maxCommands int
	foreign     *foreign.Handler
	maxForeign  int
	sync        *dansync.Responder

	mu          sync.Mutex
	highQC      types.QuorumCertificate
	lockedBlock types.Hash
	leafBlock   types.Hash
	lastVoted   uint64
	votes       map[voteKey]map[types.NodeID]types.Vote
	newViews    map[uint64]map[types.NodeID]types.NewView

	beatCh    chan uint64
	forceCh   chan uint64
	loopback  chan *wire.Message
	newTxCh   chan types.Hash
	shutdown  chan struct{}
	done      chan struct{}
}

// New constructs a Worker. It does not start the event loop or the
// pacemaker; call Run (and, separately, Pacemaker.Start) once wiring is
// complete.
func New(cfg Config) *Worker {
	maxCmds := cfg.MaxCommands
	if maxCmds <= 0 {
		maxCmds = 100
	}
	maxExec := cfg.MaxExecutors
	if maxExec <= 0 {
		maxExec = 8
	}
	maxForeign := cfg.MaxForeign
	if maxForeign <= 0 {
		maxForeign = 20
	}
	trees := cfg.Trees
	if trees == nil {
		trees = statetree.NewStore(statetree.DefaultParameters)
	}
	return &Worker{
		log:         cfg.Logger,
		shardGroup:  cfg.ShardGroup,
		numShards:   cfg.NumShards,
		epoch:       cfg.Epoch,
		store:       cfg.Bundle.Store,
		rawStore:    cfg.RawStore,
		epochMgr:    cfg.Bundle.Epochs,
		leaders:     cfg.Bundle.Leaders,
		out:         cfg.Bundle.Outbound,
		in:          cfg.Bundle.Inbound,
		sig:         cfg.Bundle.Signatures,
		exec:        executor.New(cfg.Bundle.Executor, maxExec),
		trees:       trees,
		pending:     cfg.Pending,
		pool:        cfg.Pool,
		pacemaker:   cfg.Pacemaker,
		maxCommands: maxCmds,
		foreign:     cfg.Foreign,
		maxForeign:  maxForeign,
		sync:        cfg.Sync,
		votes:       make(map[voteKey]map[types.NodeID]types.Vote),
		newViews:    make(map[uint64]map[types.NodeID]types.NewView),
		beatCh:      make(chan uint64, 1),
		forceCh:     make(chan uint64, 1),
		loopback:    make(chan *wire.Message, 8),
		newTxCh:     make(chan types.Hash, 64),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Resume loads the durable pointers from the store, called once at
// startup before Run so a restarted replica picks up exactly where it
// left off (spec.md §5's "after restart, read from the store, then
// resume" rule).
func (w *Worker) Resume(ctx context.Context) error {
	if qc, err := w.store.GetHighQC(ctx); err == nil {
		w.highQC = qc
	}
	if id, err := w.store.GetLockedBlock(ctx); err == nil {
		w.lockedBlock = id
	}
	if id, err := w.store.GetLeafBlock(ctx); err == nil {
		w.leafBlock = id
	}
	if h, err := w.store.GetLastVoted(ctx); err == nil {
		w.lastVoted = h
	}
	return nil
}

// committee fetches this worker's committee for the current epoch.
func (w *Worker) committee() (epoch.Committee, error) {
	return w.epochMgr.Committee(w.epoch, w.shardGroup)
}

// OnBeat implements pacemaker.Callbacks.
func (w *Worker) OnBeat(height uint64) { sendLatest(w.beatCh, height) }

// OnForceBeat implements pacemaker.Callbacks.
func (w *Worker) OnForceBeat(height uint64) { sendLatest(w.forceCh, height) }

// OnLocalTimeout implements pacemaker.Callbacks: send a NewView carrying
// the highest QC this replica has observed to the leader of the next
// height.
func (w *Worker) OnLocalTimeout(height uint64, suspectedLeader types.NodeID) {
	w.mu.Lock()
	nv := types.NewView{Epoch: w.epoch, NewHeight: height + 1, HighQC: w.highQC}
	w.mu.Unlock()
	nv.Sender = w.selfNodeID()
	committee, err := w.committee()
	if err != nil {
		w.log.Warn("worker: cannot send new-view, committee unavailable", "err", err)
		return
	}
	nextLeader, err := w.leaders.LeaderAt(committee, height+1)
	if err != nil {
		w.log.Warn("worker: cannot send new-view, next leader unknown", "err", err)
		return
	}
	msg := &wire.Message{Kind: wire.KindNewView, ShardGroup: w.shardGroup, NewView: &nv}
	if err := w.out.SendTo(context.Background(), nextLeader, msg); err != nil {
		w.log.Warn("worker: failed to send new-view to next leader", "leader", nextLeader, "err", err)
	}
}

// SubmitTransaction registers a newly-arrived local-only transaction
// with the pool and wakes the event loop so a leader can consider it at
// the next beat.
func (w *Worker) SubmitTransaction(id types.Hash) {
	w.pool.Add(id)
	w.wakeOnNewTx(id)
}

// SubmitCrossShardTransaction registers a newly-arrived transaction
// that also touches the given foreign shard groups: it can only reach
// AllPrepared/AllAccepted once foreign evidence for each of them has
// been absorbed by the foreign proposal handler (C10).
func (w *Worker) SubmitCrossShardTransaction(id types.Hash, foreignGroups []types.ShardGroup) {
	w.pool.AddCrossShard(id, foreignGroups)
	w.wakeOnNewTx(id)
}

func (w *Worker) wakeOnNewTx(id types.Hash) {
	select {
	case w.newTxCh <- id:
	default:
	}
}

func sendLatest(ch chan uint64, v uint64) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Run drives the biased event loop until ctx is cancelled or Stop is
// called. Priority order: shutdown, loopback (a leader's own proposal,
// so it never races the network copy of the same block), pacemaker
// force-beats, pacemaker beats, inbound messages, new-transaction
// notifications.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.shutdown:
			return nil
		case msg := <-w.loopback:
			w.dispatch(ctx, w.selfNodeID(), msg)
		default:
		}

		select {
		case height := <-w.forceCh:
			w.propose(ctx, height)
			continue
		default:
		}
		select {
		case height := <-w.beatCh:
			w.propose(ctx, height)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.shutdown:
			return nil
		case msg := <-w.loopback:
			w.dispatch(ctx, w.selfNodeID(), msg)
		case height := <-w.forceCh:
			w.propose(ctx, height)
		case height := <-w.beatCh:
			w.propose(ctx, height)
		case im := <-w.in.Inbox():
			w.dispatch(ctx, im.From, im.Message)
		case <-w.newTxCh:
			// no-op: presence of a new ready transaction is only
			// actionable at the next beat, already scheduled by the
			// pacemaker's own cadence.
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (w *Worker) Stop() {
	close(w.shutdown)
	<-w.done
}

func (w *Worker) selfNodeID() types.NodeID { return w.sig.Self() }

func (w *Worker) dispatch(ctx context.Context, from types.NodeID, msg *wire.Message) {
	switch msg.Kind {
	case wire.KindProposal:
		if msg.Proposal != nil {
			w.onProposal(ctx, msg.Proposal.Block)
		}
	case wire.KindVote:
		if msg.Vote != nil {
			w.onVote(ctx, *msg.Vote)
		}
	case wire.KindNewView:
		if msg.NewView != nil {
			w.onNewView(ctx, *msg.NewView)
		}
	case wire.KindForeignProposal:
		// Foreign proposal ingestion (evidence merge) is owned by the
		// foreign package (C10); the worker only feeds the already
		// ingested commands through onProposal when a local block
		// references them.
		if w.foreign != nil && msg.ForeignProposal != nil {
			if err := w.foreign.Ingest(ctx, *msg.ForeignProposal); err != nil {
				w.log.Debug("worker: dropping foreign proposal", "from", from, "err", err)
			}
		}
	case wire.KindSyncResponse:
		if msg.SyncResponse != nil {
			w.onSyncResponse(ctx, *msg.SyncResponse)
		}
	case wire.KindSyncRequest:
		if w.sync != nil && msg.SyncRequest != nil {
			if err := w.sync.Handle(ctx, from, *msg.SyncRequest); err != nil {
				w.log.Debug("worker: failed to answer sync request", "from", from, "err", err)
			}
		}
	default:
		w.log.Debug("worker: dropping unhandled message kind", "kind", msg.Kind)
	}
}

// onSyncResponse replays every block in a sync response through the
// ordinary proposal path, per spec.md §4.11 step 3: catch-up requires
// no separate commit logic, it just feeds history through the same
// acceptance rule as a freshly received proposal.
func (w *Worker) onSyncResponse(ctx context.Context, resp wire.SyncResponse) {
	for _, b := range resp.Blocks {
		w.onProposal(ctx, b)
	}
}

// onProposal implements spec.md §4.9.1.
func (w *Worker) onProposal(ctx context.Context, b types.Block) {
	if b.Epoch != w.epoch {
		w.log.Debug("worker: buffering proposal from non-current epoch", "block", b.ID, "epoch", b.Epoch)
		return
	}
	committee, err := w.committee()
	if err != nil {
		w.log.Warn("worker: no committee for proposal's epoch", "err", err)
		return
	}
	parent, err := w.store.GetBlock(ctx, b.ParentID)
	if err != nil {
		w.requestCatchUp(ctx, b)
		return
	}
	if err := validation.ValidateBlock(b, parent, committee); err != nil {
		w.log.Debug("worker: dropping invalid proposal", "block", b.ID, "err", err)
		return
	}

	w.mu.Lock()
	if b.JustifyQC.GreaterOrEqual(w.highQC) && b.JustifyQC.ID != w.highQC.ID {
		w.highQC = b.JustifyQC
		w.leafBlock = b.ParentID
	}
	locked := w.lockedBlock
	lastVoted := w.lastVoted
	w.mu.Unlock()

	safe := b.ParentID == locked
	if !safe {
		if lockedBlock, err := w.store.GetBlock(ctx, locked); err == nil {
			safe = b.JustifyQC.BlockHeight > lockedBlock.Height
		}
	}
	if !safe {
		w.log.Debug("worker: proposal fails safe-node predicate, not voting", "block", b.ID)
		w.persistBlockOnly(ctx, b)
		return
	}
	if b.Height <= lastVoted {
		w.log.Debug("worker: proposal height not above last voted, not voting", "block", b.ID)
		return
	}

	diff, locks, minted, err := w.applyCommands(ctx, b)
	if err != nil {
		w.log.Warn("worker: rejecting proposal, command application failed", "block", b.ID, "err", err)
		return
	}

	roots := w.computeShardRoots(diff.Changes)
	if err := validation.ValidateStateRoots(b.MerkleRootPerShard, roots); err != nil {
		w.log.Warn("worker: rejecting proposal, state root mismatch", "block", b.ID, "err", err)
		return
	}

	if err := w.persistAcceptedBlock(ctx, b, diff, locks, minted); err != nil {
		w.log.Error("worker: failed to persist accepted block", "block", b.ID, "err", err)
		return
	}

	leafHash := wire.HashBlock(b)
	vote, err := validation.SignVote(ctx, w.sig, w.epoch, leafHash, b.ID, types.DecisionAccept)
	if err != nil {
		w.log.Error("worker: failed to sign vote", "block", b.ID, "err", err)
		return
	}
	nextLeader, err := w.leaders.LeaderAt(committee, b.Height+1)
	if err == nil {
		msg := &wire.Message{Kind: wire.KindVote, ShardGroup: w.shardGroup, Vote: &vote}
		if nextLeader == w.selfNodeID() {
			w.onVote(ctx, vote)
		} else if err := w.out.SendTo(ctx, nextLeader, msg); err != nil {
			w.log.Warn("worker: failed to send vote", "leader", nextLeader, "err", err)
		}
	}

	w.applyCommitRule(ctx, b)
	w.applyLockRule(ctx, b)
	w.pacemaker.AdvanceHeight(b.JustifyQC)
}

func (w *Worker) persistBlockOnly(ctx context.Context, b types.Block) {
	tx := w.store.Begin()
	if err := tx.PutBlock(b); err != nil {
		w.log.Warn("worker: failed to persist unsafe block", "block", b.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Warn("worker: failed to commit unsafe block", "block", b.ID, "err", err)
	}
}

func (w *Worker) persistAcceptedBlock(ctx context.Context, b types.Block, diff types.BlockDiff, locks []types.SubstateLock, minted []types.BurntUtxo) error {
	if err := w.pending.PushLayer(&pending.Layer{BlockID: b.ID, ParentID: b.ParentID, Epoch: b.Epoch, Diff: diff, Locks: locks}); err != nil {
		return err
	}

	tx := w.store.Begin()
	if err := tx.PutBlock(b); err != nil {
		return err
	}
	if err := tx.PutLastVoted(b.Height); err != nil {
		return err
	}
	for _, lock := range locks {
		if err := tx.PutLock(lock); err != nil {
			return err
		}
	}
	for _, utxo := range minted {
		if err := tx.PutBurntUtxo(utxo); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.commitShardTrees(b.Epoch, diff.Changes)
	w.mu.Lock()
	w.lastVoted = b.Height
	w.leafBlock = b.ID
	w.mu.Unlock()
	return nil
}

// applyCommands walks a block's commands against the pending substate
// store, advancing pool stages, folding a committing transaction's
// outputs into the block's diff, and acquiring an Output lock on every
// substate an AllAccepted command touches (spec.md §4.9.1 step 6a).
// Declared-input Read/Write locking at Prepare time is not performed
// here: that requires the transaction's declared inputs, which are
// only available once a transaction-body store exists (see the comment
// inside propose and DESIGN.md); Output locks on an executed transaction's
// actual outputs are acquired here regardless, giving Lock Exclusion
// real teeth for the one stage a diff's contents are actually known.
// Command execution itself (LocalAccepted's "run the oracle") happens
// when the command was originally proposed by this replica as leader
// (see propose); when accepting someone else's block, this replica
// trusts the atom's Outputs and only checks the stage transition is
// legal before folding them in.
func (w *Worker) applyCommands(ctx context.Context, b types.Block) (types.BlockDiff, []types.SubstateLock, []types.BurntUtxo, error) {
	diff := types.BlockDiff{BlockID: b.ID}
	var locks []types.SubstateLock
	var minted []types.BurntUtxo
	for _, c := range b.Commands {
		switch c.Kind {
		case types.CommandForeignProposal, types.CommandEndEpoch:
			continue
		case types.CommandMintConfidentialOutput:
			utxo, err := w.store.GetBurntUtxo(ctx, c.BurntUtxoID)
			if err != nil {
				return types.BlockDiff{}, nil, nil, fmt.Errorf("worker: block %s mints unknown burnt utxo %s: %w", b.ID, c.BurntUtxoID, err)
			}
			if utxo.IsProposed() {
				return types.BlockDiff{}, nil, nil, fmt.Errorf("worker: block %s mints already-proposed burnt utxo %s", b.ID, c.BurntUtxoID)
			}
			diff.Changes = append(diff.Changes, types.SubstateChange{Kind: types.ChangeUp, SubstateID: c.BurntUtxoID, Value: utxo.Value})
			proposed := b.ID
			utxo.ProposedBlock = &proposed
			minted = append(minted, utxo)
			continue
		}

		rec, ok := w.pool.Get(c.Atom.TransactionID)
		from := types.StageNew
		if ok {
			from = rec.EffectiveStage()
		}
		if _, legal := types.NextStage(from, c.Kind); !legal {
			return types.BlockDiff{}, nil, nil, fmt.Errorf("worker: block %s proposes illegal stage transition for tx %s", b.ID, c.Atom.TransactionID)
		}
		if err := w.pool.ProposeCommand(types.Command{Kind: c.Kind, Atom: c.Atom}); err != nil {
			w.pool.Add(c.Atom.TransactionID)
			_ = w.pool.ProposeCommand(types.Command{Kind: c.Kind, Atom: c.Atom})
		}
		w.pool.Commit(c.Atom.TransactionID)

		if c.Kind == types.CommandAllAccepted && c.Atom.Decision == types.DecisionAccept {
			for _, out := range c.Atom.Outputs {
				lock := types.SubstateLock{SubstateID: out.SubstateID, Version: out.Version, ByTransaction: c.Atom.TransactionID, Kind: types.LockOutput}
				if conflict, has := w.pending.CheckLockConflict(lock); has {
					return types.BlockDiff{}, nil, nil, fmt.Errorf("worker: block %s output lock on %s/%d conflicts with tx %s", b.ID, out.SubstateID, out.Version, conflict.ByTransaction)
				}
				locks = append(locks, lock)
				diff.Changes = append(diff.Changes, out)
			}
		}
	}
	return diff, locks, minted, nil
}

// groupByShard partitions a set of substate changes by the shard that
// owns each substate's address, then hands each partition to
// statetree.LeafChangesFromBlockDiff so the address/remove translation
// lives in one place shared with the rest of the tree package.
func (w *Worker) groupByShard(changes []types.SubstateChange) map[types.Shard][]statetree.LeafChange {
	byShard := make(map[types.Shard][]types.SubstateChange)
	for _, c := range changes {
		shard := types.ShardOf(hashing.SubstateAddress(c.SubstateID, c.Version), w.numShards)
		byShard[shard] = append(byShard[shard], c)
	}
	out := make(map[types.Shard][]statetree.LeafChange, len(byShard))
	for shard, cs := range byShard {
		out[shard] = statetree.LeafChangesFromBlockDiff(types.BlockDiff{Changes: cs})
	}
	return out
}

// computeShardRoots tentatively applies changes atop each touched
// shard's current live tree, without mutating it, and returns the
// resulting roots sorted by shard ascending (spec.md §4.9.1 step 6b and
// §4.9.2 step 1's "compute the roots this proposal would produce").
func (w *Worker) computeShardRoots(changes []types.SubstateChange) []types.ShardRoot {
	byShard := w.groupByShard(changes)
	roots := make([]types.ShardRoot, 0, len(byShard))
	for shard, lcs := range byShard {
		next := w.trees.Live(shard).Apply(w.epoch, lcs)
		roots = append(roots, types.ShardRoot{Shard: shard, Root: next.Root()})
	}
	return types.SortedShardRoots(roots)
}

// commitShardTrees advances every shard a just-accepted block touched
// to the tree Apply already proved it would produce. The live tree
// tracks the current unfinalized tip, not the three-chain-committed
// height: statetree keeps no per-fork scratch tree, so a losing fork's
// changes are simply superseded once its sibling's descendant is
// accepted instead.
func (w *Worker) commitShardTrees(epoch types.Epoch, changes []types.SubstateChange) {
	for shard, lcs := range w.groupByShard(changes) {
		if _, err := w.trees.Commit(shard, epoch, lcs); err != nil {
			w.log.Warn("worker: failed to commit shard state tree", "shard", shard, "err", err)
		}
	}
}

// applyCommitRule implements the three-chain commit rule (spec.md
// §4.9.1 step 7).
func (w *Worker) applyCommitRule(ctx context.Context, b3 types.Block) {
	b2, err := w.store.GetBlock(ctx, b3.ParentID)
	if err != nil {
		return
	}
	b1, err := w.store.GetBlock(ctx, b2.ParentID)
	if err != nil {
		return
	}
	if b3.JustifyQC.BlockID != b2.ID || b2.JustifyQC.BlockID != b1.ID {
		return
	}
	tx := w.rawStore.Begin()
	if err := w.pending.CommitThrough(ctx, tx, b1.ID); err != nil {
		w.log.Error("worker: commit rule failed to fold pending layers", "through", b1.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Error("worker: commit rule failed to persist folded layers", "through", b1.ID, "err", err)
		return
	}
	if w.foreign != nil {
		if err := w.foreign.Absorb(ctx, b1.Commands); err != nil {
			w.log.Warn("worker: failed to absorb committed foreign proposals", "block", b1.ID, "err", err)
		}
	}
}

// applyLockRule implements the two-chain lock rule (spec.md §4.9.1 step 8).
func (w *Worker) applyLockRule(ctx context.Context, b3 types.Block) {
	b2, err := w.store.GetBlock(ctx, b3.ParentID)
	if err != nil {
		return
	}
	if b3.JustifyQC.BlockID != b2.ID {
		return
	}
	tx := w.store.Begin()
	if err := tx.PutLockedBlock(b2.ID); err != nil {
		w.log.Error("worker: failed to persist locked block", "block", b2.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Error("worker: failed to commit locked block", "block", b2.ID, "err", err)
		return
	}
	w.mu.Lock()
	w.lockedBlock = b2.ID
	w.mu.Unlock()
}

func (w *Worker) requestCatchUp(ctx context.Context, b types.Block) {
	w.mu.Lock()
	from := w.highQC.BlockHeight
	w.mu.Unlock()
	req := &wire.Message{
		Kind:       wire.KindSyncRequest,
		ShardGroup: w.shardGroup,
		SyncRequest: &wire.SyncRequest{
			ShardGroup: w.shardGroup,
			FromHeight: from,
			ToHeight:   b.Height,
		},
	}
	if err := w.out.SendTo(ctx, b.Proposer, req); err != nil {
		w.log.Warn("worker: failed to request catch-up", "from", b.Proposer, "err", err)
	}
}

// onVote implements spec.md §4.9.3: leader-side vote aggregation.
func (w *Worker) onVote(ctx context.Context, v types.Vote) {
	committee, err := w.committee()
	if err != nil {
		return
	}
	if err := validation.VerifyVote(ctx, w.sig, committee, v); err != nil {
		w.log.Debug("worker: dropping invalid vote", "err", err)
		return
	}

	w.mu.Lock()
	key := voteKey{BlockID: v.BlockID, Decision: v.Decision}
	set, ok := w.votes[key]
	if !ok {
		set = make(map[types.NodeID]types.Vote)
		w.votes[key] = set
	}
	set[v.Signature.Signer] = v
	votes := make([]types.Vote, 0, len(set))
	for _, vv := range set {
		votes = append(votes, vv)
	}
	w.mu.Unlock()

	block, err := w.store.GetBlock(ctx, v.BlockID)
	if err != nil {
		return
	}
	qc, err := validation.AggregateQC(committee, v.BlockID, block.Height, v.Decision, votes)
	if err != nil {
		return // quorum not yet reached
	}

	tx := w.store.Begin()
	if err := tx.PutQC(qc); err != nil {
		w.log.Error("worker: failed to persist qc", "qc", qc.ID, "err", err)
		return
	}
	if err := tx.PutHighQC(qc); err != nil {
		w.log.Error("worker: failed to persist high qc", "qc", qc.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Error("worker: failed to commit qc", "qc", qc.ID, "err", err)
		return
	}
	w.mu.Lock()
	if qc.GreaterOrEqual(w.highQC) {
		w.highQC = qc
	}
	delete(w.votes, key)
	w.mu.Unlock()

	w.pacemaker.AdvanceHeight(qc)
}

// onNewView implements spec.md §4.9.4.
func (w *Worker) onNewView(ctx context.Context, nv types.NewView) {
	committee, err := w.committee()
	if err != nil {
		return
	}
	w.mu.Lock()
	if nv.HighQC.GreaterOrEqual(w.highQC) {
		w.highQC = nv.HighQC
	}
	set, ok := w.newViews[nv.NewHeight]
	if !ok {
		set = make(map[types.NodeID]types.NewView)
		w.newViews[nv.NewHeight] = set
	}
	set[nv.Sender] = nv
	highQC := w.highQC
	w.mu.Unlock()

	var weight uint64
	for signer := range set {
		weight += committee.WeightOf(signer)
	}
	if weight < committee.QuorumWeight() {
		return
	}
	w.mu.Lock()
	delete(w.newViews, nv.NewHeight)
	w.mu.Unlock()
	w.pacemaker.AdvanceHeight(highQC)
	w.propose(ctx, nv.NewHeight)
}

// propose implements spec.md §4.9.2: assemble, execute, sign, and
// broadcast a new proposal if this replica is the leader for height.
func (w *Worker) propose(ctx context.Context, height uint64) {
	committee, err := w.committee()
	if err != nil {
		return
	}
	leader, err := w.leaders.LeaderAt(committee, height)
	if err != nil || leader != w.selfNodeID() {
		return
	}

	w.mu.Lock()
	parentID := w.leafBlock
	justify := w.highQC
	w.mu.Unlock()
	parent, err := w.store.GetBlock(ctx, parentID)
	if err != nil {
		w.log.Warn("worker: cannot propose, leaf block unavailable", "leaf", parentID, "err", err)
		return
	}

	ready, _ := w.pool.ReadySet(w.maxCommands)
	commands := make([]types.Command, 0, len(ready))
	for _, txID := range ready {
		rec, ok := w.pool.Get(txID)
		if !ok {
			continue
		}
		stage := rec.EffectiveStage()
		kind, ok := nextCommandKind(stage)
		if !ok {
			continue
		}
		if stage == types.StageLocalPrepared || stage == types.StageLocalAccepted {
			complete, rejected := rec.RequiredEvidence(stage)
			if !complete {
				continue
			}
			if rejected {
				if stage == types.StageLocalPrepared {
					kind = types.CommandSomePrepared
				} else {
					kind = types.CommandSomeAccepted
				}
			}
		}
		atom := types.TransactionAtom{TransactionID: txID, Decision: types.DecisionAccept, Evidence: rec.Atom.Evidence, Outputs: rec.Atom.Outputs, FeeCharged: rec.Atom.FeeCharged}
		if kind == types.CommandSomePrepared || kind == types.CommandSomeAccepted {
			atom.Decision = types.DecisionAbort
		}
		if kind == types.CommandLocalAccepted {
			// Run the transaction through the executor oracle (C4) so
			// LocalAccepted always carries a real fee breakdown. Input
			// resolution against a full transaction body is the
			// responsibility of a future transaction-body store (see
			// DESIGN.md); until then the oracle is invoked with no
			// resolved inputs, which a production Oracle implementation
			// can reject by returning Decision: Abort.
			result, err := w.exec.Execute(ctx, types.Transaction{ID: txID}, nil)
			if err != nil {
				w.log.Warn("worker: executor failed for local-accepted transaction, skipping this beat", "txID", txID, "err", err)
				continue
			}
			atom.Decision = result.Decision
			atom.AbortReason = result.AbortReason
			atom.FeeCharged = result.Fee
			atom.Outputs = result.Outputs
		}
		// The pool's pending stage is advanced once, by applyCommands,
		// when this block is actually accepted (including by this
		// replica itself, via the loopback channel below) — not here,
		// so a self-proposal doesn't try to transition the same record
		// twice.
		commands = append(commands, types.Command{Kind: kind, Atom: atom})
	}

	var foreignIndexes []types.Hash
	if w.foreign != nil {
		fc, err := w.foreign.SelectForInclusion(ctx, w.maxForeign)
		if err != nil {
			w.log.Warn("worker: failed to select foreign proposals for inclusion", "err", err)
		} else {
			commands = append(commands, fc...)
			for _, c := range fc {
				foreignIndexes = append(foreignIndexes, c.ForeignBlockID)
			}
		}
	}

	var diffChanges []types.SubstateChange
	for _, c := range commands {
		if c.Kind == types.CommandAllAccepted && c.Atom.Decision == types.DecisionAccept {
			diffChanges = append(diffChanges, c.Atom.Outputs...)
		}
	}

	b := types.Block{
		ParentID:           parent.ID,
		JustifyQC:          justify,
		Proposer:           w.selfNodeID(),
		Height:             height,
		Epoch:              w.epoch,
		ShardGroup:         w.shardGroup,
		Commands:           commands,
		MerkleRootPerShard: w.computeShardRoots(diffChanges),
		ForeignIndexes:     foreignIndexes,
		Dummy:              height > parent.Height+1,
	}
	b.ID = wire.HashBlock(b)
	sig, err := w.sig.Sign(ctx, b.ID[:])
	if err != nil {
		w.log.Error("worker: failed to sign proposal", "err", err)
		return
	}
	b.Signature = sig.Signature

	msg := &wire.Message{Kind: wire.KindProposal, ShardGroup: w.shardGroup, Proposal: &wire.Proposal{Block: b}}
	select {
	case w.loopback <- msg:
	default:
		w.onProposal(ctx, b)
	}
	if err := w.out.Broadcast(ctx, w.shardGroup, msg); err != nil {
		w.log.Warn("worker: failed to broadcast proposal", "block", b.ID, "err", err)
	}
}

// nextCommandKind picks the command kind that advances a transaction
// out of its current pool stage on the happy (Accept) path. Abort-path
// commands (SomePrepared/SomeAccepted) are chosen by propose when
// evidence indicates a remote rejection, not here.
func nextCommandKind(stage types.PoolStage) (types.CommandKind, bool) {
	switch stage {
	case types.StageNew:
		return types.CommandPrepare, true
	case types.StagePrepared:
		return types.CommandLocalPrepared, true
	case types.StageLocalPrepared:
		return types.CommandAllPrepared, true
	case types.StageAllPrepared:
		return types.CommandLocalAccepted, true
	case types.StageLocalAccepted:
		return types.CommandAllAccepted, true
	default:
		return 0, false
	}
}
