// Package epoch is the committee/validator-set manager (C6): which
// nodes sit on which shard group's committee during a given epoch, and
// which of them is the leader for a given block height.
//
// Grounded on validators/new.go's manager (a map keyed by network id to
// a map of node id to weight, with AddStaker/GetValidators/GetWeight),
// generalized from a single subnet id key to an (epoch, shard group)
// key — a validator's committee membership changes only at epoch
// boundaries, the same way a subnet's validator set changes only at
// staking-period boundaries in the teacher.
package epoch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shardcore/dan-consensus/types"
)

// Member is one validator's weight within a committee.
type Member struct {
	NodeID    types.NodeID
	PublicKey []byte
	Weight    uint64
}

// Committee is the weighted validator set assigned to one shard group
// for one epoch.
type Committee struct {
	Epoch      types.Epoch
	ShardGroup types.ShardGroup
	Members    []Member
}

// TotalWeight sums every member's weight.
func (c Committee) TotalWeight() uint64 {
	var total uint64
	for _, m := range c.Members {
		total += m.Weight
	}
	return total
}

// QuorumWeight returns the >= 2f+1 threshold for this committee, with f
// the maximum tolerated weight of faulty members under TotalWeight =
// 3f+1 (rounded down, the standard BFT assumption).
func (c Committee) QuorumWeight() uint64 {
	total := c.TotalWeight()
	f := total / 3
	return 2*f + 1
}

// Has reports whether nodeID is a member.
func (c Committee) Has(nodeID types.NodeID) bool {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return true
		}
	}
	return false
}

// WeightOf returns a member's weight, or 0 if absent.
func (c Committee) WeightOf(nodeID types.NodeID) uint64 {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return m.Weight
		}
	}
	return 0
}

// sortedMembers returns Members sorted by NodeID ascending, the
// canonical order leader selection indexes into so every replica agrees
// on the same rotation independent of insertion order.
func (c Committee) sortedMembers() []Member {
	out := append([]Member(nil), c.Members...)
	sort.Slice(out, func(i, j int) bool {
		return lessNodeID(out[i].NodeID, out[j].NodeID)
	})
	return out
}

func lessNodeID(a, b types.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

type committeeKey struct {
	epoch types.Epoch
	group types.ShardGroup
}

// Manager tracks every known committee across epochs. Grounded on
// validators/new.go's manager type: a plain mutex-guarded map, no
// external persistence (committee membership is derived from L1
// staking state the core treats as an input, not something it persists
// itself).
type Manager struct {
	mu         sync.RWMutex
	committees map[committeeKey]Committee
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{committees: make(map[committeeKey]Committee)}
}

// SetCommittee installs (or replaces) the committee for an epoch/shard
// group pair, called when the L1 epoch-change notification arrives.
func (m *Manager) SetCommittee(c Committee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committees[committeeKey{epoch: c.Epoch, group: c.ShardGroup}] = c
}

// Committee returns the committee for an epoch/shard group pair.
func (m *Manager) Committee(epoch types.Epoch, group types.ShardGroup) (Committee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.committees[committeeKey{epoch: epoch, group: group}]
	if !ok {
		return Committee{}, fmt.Errorf("epoch: no committee for epoch %d shard group %s", epoch, group)
	}
	return c, nil
}

// LeaderStrategy selects the leader for a given committee/height pair.
// Two implementations are named in spec.md §4.8: round-robin rotation
// and randomized (VRF-seeded) selection; both satisfy this interface so
// worker (C9) stays agnostic to which one a deployment configures.
type LeaderStrategy interface {
	LeaderAt(c Committee, height uint64) (types.NodeID, error)
}

// RotatingLeader rotates through a committee's sorted member list by
// height modulo committee size.
type RotatingLeader struct{}

func (RotatingLeader) LeaderAt(c Committee, height uint64) (types.NodeID, error) {
	members := c.sortedMembers()
	if len(members) == 0 {
		return types.NodeID{}, fmt.Errorf("epoch: leader selection on empty committee")
	}
	return members[height%uint64(len(members))].NodeID, nil
}

// RandomizedLeader selects a leader weighted by stake, seeded
// deterministically by (epoch, height) so every replica computes the
// same answer without needing a round of VRF exchange — the same
// trade-off spec.md §4.8 notes a production deployment can make
// (VRF gives unpredictability; deterministic-seeded weighting gives the
// same fairness property without an extra message round).
type RandomizedLeader struct {
	Seed func(epoch types.Epoch, height uint64) uint64
}

func (r RandomizedLeader) LeaderAt(c Committee, height uint64) (types.NodeID, error) {
	members := c.sortedMembers()
	if len(members) == 0 {
		return types.NodeID{}, fmt.Errorf("epoch: leader selection on empty committee")
	}
	total := c.TotalWeight()
	if total == 0 {
		return types.NodeID{}, fmt.Errorf("epoch: leader selection on zero-weight committee")
	}
	seedFn := r.Seed
	if seedFn == nil {
		seedFn = defaultSeed
	}
	target := seedFn(c.Epoch, height) % total
	var cum uint64
	for _, m := range members {
		cum += m.Weight
		if target < cum {
			return m.NodeID, nil
		}
	}
	return members[len(members)-1].NodeID, nil
}

func defaultSeed(epoch types.Epoch, height uint64) uint64 {
	// splitmix64 mixing of (epoch, height); deterministic, no external
	// randomness source required.
	x := uint64(epoch)*0x9E3779B97F4A7C15 + height
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}
