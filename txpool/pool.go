// Package txpool is the transaction pool (C5): the stage machine
// bookkeeping for every transaction a local shard group knows about,
// from submission through the Prepare/Accept pipeline to commit or
// abort-removal.
//
// Grounded on engine/chain/poll/set.go's style of a requestID-keyed
// linked.Hashmap guarded by a single mutex, reporting its live size
// through a plain prometheus gauge (txpool_pending_transactions);
// internal/bag tallies the stage distribution of the ready set, which
// ReadySet returns to its caller alongside the ready records.
package txpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardcore/dan-consensus/internal/bag"
	"github.com/shardcore/dan-consensus/internal/linked"
	"github.com/shardcore/dan-consensus/types"

	log "github.com/luxfi/log"
)

var errFailedPendingMetric = errors.New("txpool: failed to register pending_transactions metric")

// Pool holds every transaction the local shard group is tracking,
// keyed by transaction id, insertion-ordered.
type Pool struct {
	mu      sync.Mutex
	log     log.Logger
	pending prometheus.Gauge
	records *linked.Hashmap[types.Hash, *types.TransactionPoolRecord]
}

// New returns an empty Pool.
func New(logger log.Logger, reg prometheus.Registerer) (*Pool, error) {
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txpool_pending_transactions",
		Help: "Number of transactions currently tracked by the pool",
	})
	if err := reg.Register(pending); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedPendingMetric, err)
	}
	return &Pool{
		log:     logger,
		pending: pending,
		records: linked.NewHashmap[types.Hash, *types.TransactionPoolRecord](),
	}, nil
}

// Add inserts a newly-submitted local-only transaction at StageNew. A
// duplicate submission is a no-op, not an error: the client may
// legitimately resubmit a transaction it already sent.
func (p *Pool) Add(txID types.Hash) {
	p.AddCrossShard(txID, nil)
}

// AddCrossShard inserts a newly-submitted transaction that also touches
// the given foreign shard groups, so AllPrepared/AllAccepted wait on
// evidence from each of them (spec.md §4.10) before they become legal
// to propose. A duplicate submission is a no-op.
func (p *Pool) AddCrossShard(txID types.Hash, foreignGroups []types.ShardGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records.Get(txID); ok {
		return
	}
	p.records.Put(txID, &types.TransactionPoolRecord{
		Atom:          types.TransactionAtom{TransactionID: txID, Evidence: types.Evidence{}},
		Stage:         types.StageNew,
		IsReady:       true,
		ForeignGroups: foreignGroups,
	})
	p.pending.Set(float64(p.records.Len()))
	p.log.Debug("transaction added to pool", "txID", txID, "foreignGroups", len(foreignGroups))
}

// AllIDs returns every transaction id currently tracked, in insertion
// order. Used by the foreign proposal handler (C10) to find local
// transactions a foreign block's evidence might apply to.
func (p *Pool) AllIDs() []types.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Hash, 0, p.records.Len())
	it := p.records.NewIterator()
	for it.Next() {
		out = append(out, it.Key())
	}
	return out
}

// Get returns the tracked record for a transaction id.
func (p *Pool) Get(txID types.Hash) (*types.TransactionPoolRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records.Get(txID)
}

// ProposeCommand stages a Command's effect on its transaction as
// PendingStage: called when a leader builds a proposal or a replica
// validates one, before the block it belongs to has a QC. Returns an
// error if k isn't a legal transition out of the transaction's current
// effective stage.
func (p *Pool) ProposeCommand(c types.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records.Get(c.Atom.TransactionID)
	if !ok {
		return fmt.Errorf("txpool: propose command for unknown transaction %s", c.Atom.TransactionID)
	}
	to, okTransition := types.NextStage(r.EffectiveStage(), c.Kind)
	if !okTransition {
		return fmt.Errorf("txpool: command %s is not a legal transition from stage %s for tx %s", c.Kind, r.EffectiveStage(), c.Atom.TransactionID)
	}
	r.PendingStage = &to
	r.Atom = c.Atom
	r.IsReady = false
	return nil
}

// Commit folds a transaction's pending stage into its committed stage,
// called once the proposing block becomes committed.
func (p *Pool) Commit(txID types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records.Get(txID)
	if !ok {
		return
	}
	r.Commit()
	if r.Stage.IsTerminal() {
		p.records.Delete(txID)
		p.pending.Set(float64(p.records.Len()))
		return
	}
	r.IsReady = true
}

// Revert discards a transaction's uncommitted pending stage, called
// when the block that proposed it is dropped from the unfinalized
// chain (a losing fork).
func (p *Pool) Revert(txID types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records.Get(txID)
	if !ok {
		return
	}
	r.Revert()
	r.IsReady = true
}

// MergeEvidence folds foreign shard-group evidence into a transaction's
// atom, called by the foreign proposal handler (C10).
func (p *Pool) MergeEvidence(txID types.Hash, group types.ShardGroup, evidence types.ShardEvidence) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records.Get(txID)
	if !ok {
		return false
	}
	if r.Atom.Evidence == nil {
		r.Atom.Evidence = types.Evidence{}
	}
	return r.Atom.Evidence.Merge(group, evidence)
}

// ReadySummary is one stage's count among the currently-ready set,
// returned by ReadySet for logging/metrics.
type ReadySummary struct {
	Stage types.PoolStage
	Count int
}

// ReadySet returns up to max ready transaction ids in pool insertion
// order (first-in-first-proposed, matching the teacher's poll set's
// FIFO processing of its own linked.Hashmap), along with a summary of
// the ready set's stage distribution.
func (p *Pool) ReadySet(max int) ([]types.Hash, []ReadySummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stages := bag.New[types.PoolStage]()
	var ready []types.Hash
	it := p.records.NewIterator()
	for it.Next() {
		r := it.Value()
		if !r.IsReady {
			continue
		}
		ready = append(ready, it.Key())
		stages.Add(r.Stage)
		if max > 0 && len(ready) >= max {
			break
		}
	}

	summaries := make([]ReadySummary, 0, len(stages.List()))
	for _, s := range stages.List() {
		summaries = append(summaries, ReadySummary{Stage: s, Count: stages.Count(s)})
	}
	return ready, summaries
}

// Len returns the number of transactions currently tracked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records.Len()
}
