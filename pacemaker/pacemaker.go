// Package pacemaker is the timeout-driven view/height advancer (C7):
// it decides when the local replica should call the worker's OnBeat
// (propose, if leader) or OnForceBeat (propose immediately regardless
// of pacing, used after catch-up), and tracks the next leader's failure
// suspicion count across repeated timeouts at the same height.
//
// Grounded on the standalone HotStuff reference's ViewSynchronizer
// interface (OnRemoteTimeout / AdvanceView / LeaderRotation / Start /
// Stop) — this module renames "view" to "height" throughout to match
// spec.md's vocabulary, since the distilled spec never introduces a
// separate view counter distinct from block height (a design
// simplification relative to the original HotStuff, carried over from
// spec.md's type definitions).
package pacemaker

import (
	"sync"
	"time"

	"github.com/shardcore/dan-consensus/epoch"
	"github.com/shardcore/dan-consensus/types"

	log "github.com/luxfi/log"
)

// Callbacks the pacemaker drives the worker (C9) through. Worker
// implements this; pacemaker never reaches back into worker internals.
type Callbacks interface {
	// OnBeat is invoked when the local replica should propose if it is
	// the leader for the current height.
	OnBeat(height uint64)
	// OnForceBeat is invoked to propose immediately, bypassing the
	// normal timeout cadence — used right after catch-up completes.
	OnForceBeat(height uint64)
	// OnLocalTimeout is invoked when no QC arrived for the current
	// height before the timer fired; the worker sends a NewView to the
	// leader of the next height.
	OnLocalTimeout(height uint64, suspectedLeader types.NodeID)
}

// Pacemaker advances one shard group's height and timeout schedule.
type Pacemaker struct {
	mu sync.Mutex

	log      log.Logger
	callback Callbacks
	strategy epoch.LeaderStrategy

	committee epoch.Committee
	height    uint64

	baseTimeout time.Duration
	maxTimeout  time.Duration

	// suspicion counts consecutive timeouts blamed on each node while
	// it was the expected leader (SPEC_FULL.md §C.4 supplemental
	// feature, carried over from original_source/'s leader-failure
	// tracking since the distilled spec.md only says "the pacemaker
	// advances on timeout" without naming this bookkeeping).
	suspicion map[types.NodeID]int

	timer *time.Timer
}

// Config configures a new Pacemaker.
type Config struct {
	Logger      log.Logger
	Callback    Callbacks
	Strategy    epoch.LeaderStrategy
	Committee   epoch.Committee
	StartHeight uint64
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
}

// New constructs a Pacemaker. The timer is not armed until Start is called.
func New(cfg Config) *Pacemaker {
	base := cfg.BaseTimeout
	if base <= 0 {
		base = 2 * time.Second
	}
	max := cfg.MaxTimeout
	if max <= 0 {
		max = 32 * time.Second
	}
	return &Pacemaker{
		log:         cfg.Logger,
		callback:    cfg.Callback,
		strategy:    cfg.Strategy,
		committee:   cfg.Committee,
		height:      cfg.StartHeight,
		baseTimeout: base,
		maxTimeout:  max,
		suspicion:   make(map[types.NodeID]int),
	}
}

// Height returns the current height.
func (p *Pacemaker) Height() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height
}

// Leader returns the expected leader for the current height.
func (p *Pacemaker) Leader() (types.NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy.LeaderAt(p.committee, p.height)
}

// Start arms the timeout timer and fires the first beat.
func (p *Pacemaker) Start() {
	p.mu.Lock()
	height := p.height
	p.armLocked(height)
	p.mu.Unlock()
	p.callback.OnBeat(height)
}

// Stop disarms the timeout timer.
func (p *Pacemaker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// AdvanceHeight moves the pacemaker to the height after a QC's block,
// resets the timeout schedule for the leader of that new height, and
// clears that leader's suspicion count, so every new height's leader
// starts from the base timeout.
func (p *Pacemaker) AdvanceHeight(qc types.QuorumCertificate) {
	p.mu.Lock()
	next := qc.BlockHeight + 1
	if next <= p.height {
		p.mu.Unlock()
		return
	}
	p.height = next
	if leader, err := p.strategy.LeaderAt(p.committee, next); err == nil {
		delete(p.suspicion, leader)
	}
	p.armLocked(next)
	p.mu.Unlock()
	p.callback.OnBeat(next)
}

// ForceAdvance jumps straight to a height without requiring a QC,
// used once catch-up (C11) has replayed blocks past the local replica's
// prior height.
func (p *Pacemaker) ForceAdvance(height uint64) {
	p.mu.Lock()
	if height <= p.height {
		p.mu.Unlock()
		return
	}
	p.height = height
	p.armLocked(height)
	p.mu.Unlock()
	p.callback.OnForceBeat(height)
}

// SuspicionCount returns how many consecutive timeouts have blamed
// nodeID while it was the expected leader.
func (p *Pacemaker) SuspicionCount(nodeID types.NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspicion[nodeID]
}

func (p *Pacemaker) armLocked(height uint64) {
	if p.timer != nil {
		p.timer.Stop()
	}
	leader, err := p.strategy.LeaderAt(p.committee, height)
	if err != nil {
		p.log.Warn("pacemaker: no leader for height, arming at base timeout", "height", height, "err", err)
		p.timer = time.AfterFunc(p.baseTimeout, func() { p.fireTimeout(height) })
		return
	}
	timeout := backoff(p.baseTimeout, p.maxTimeout, p.suspicion[leader])
	p.timer = time.AfterFunc(timeout, func() { p.fireTimeout(height) })
}

func (p *Pacemaker) fireTimeout(height uint64) {
	p.mu.Lock()
	if height != p.height {
		p.mu.Unlock()
		return // a QC already advanced us past this height; stale timer fire
	}
	leader, err := p.strategy.LeaderAt(p.committee, height)
	if err == nil {
		p.suspicion[leader]++
	}
	p.armLocked(height)
	p.mu.Unlock()
	p.log.Debug("pacemaker: local timeout", "height", height, "suspected_leader", leader)
	p.callback.OnLocalTimeout(height, leader)
}

// backoff doubles the timeout per consecutive suspected failure of the
// same leader, capped at max — exponential backoff is the standard
// HotStuff pacemaker construction for tolerating a genuinely slow
// network without timing out forever at a fixed interval.
func backoff(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
