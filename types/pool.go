package types

// TransactionPoolRecord is the mempool-resident bookkeeping for one
// transaction: its current committed stage, an in-flight stage proposed
// by an uncommitted block (if any), the local shard's own decision, and
// the foreign evidence accumulated for it so far.
type TransactionPoolRecord struct {
	Atom TransactionAtom
	Stage PoolStage

	// PendingStage is set while a proposed-but-not-yet-committed block
	// carries a Command advancing this transaction past Stage. Cleared
	// on commit (folded into Stage) or on the proposing block's removal
	// from the unfinalized chain.
	PendingStage *PoolStage

	// LocalDecision is this shard's own Accept/Abort verdict, computed
	// once by the executor oracle at the Prepare stage and never
	// recomputed afterwards.
	LocalDecision *Decision

	// RemoteDecision summarizes the foreign evidence collected so far:
	// nil until every required shard group has weighed in.
	RemoteDecision *Decision

	// IsReady reports whether the record currently has a legal next
	// Command to propose (i.e. NextStage is defined for Stage and no
	// PendingStage already claims it).
	IsReady bool

	// ForeignGroups lists the shard groups, other than the local one,
	// this transaction's declared inputs/outputs touch. Empty for a
	// local-only transaction. AllPrepared/AllAccepted are only legal to
	// propose once Atom.Evidence carries a verdict for every group
	// named here.
	ForeignGroups []ShardGroup
}

// RequiredEvidence reports whether every foreign group named in
// ForeignGroups has weighed in for the given stage (complete) and, if
// so, whether any of them rejected (rejected). Per spec.md §4.3 the
// Accept/Abort tie-break is only decidable once every involved shard
// has reported, so complete is false until all groups are present even
// if an early rejection has already arrived.
func (r *TransactionPoolRecord) RequiredEvidence(stage PoolStage) (complete bool, rejected bool) {
	for _, g := range r.ForeignGroups {
		se, has := r.Atom.Evidence[EvidenceKey(g)]
		if !has {
			return false, false
		}
		if se.RemoteRejected {
			rejected = true
			continue
		}
		switch stage {
		case StageLocalPrepared:
			if se.PreparedQCID == nil {
				return false, false
			}
		case StageLocalAccepted:
			if se.AcceptedQCID == nil {
				return false, false
			}
		}
	}
	return true, rejected
}

// EffectiveStage returns PendingStage if set, else Stage: the stage a
// new proposal must build on top of.
func (r *TransactionPoolRecord) EffectiveStage() PoolStage {
	if r.PendingStage != nil {
		return *r.PendingStage
	}
	return r.Stage
}

// Commit folds PendingStage into Stage, called when the block that
// proposed it becomes committed.
func (r *TransactionPoolRecord) Commit() {
	if r.PendingStage != nil {
		r.Stage = *r.PendingStage
		r.PendingStage = nil
	}
}

// Revert discards PendingStage, called when the block that proposed it
// is removed from the unfinalized chain (e.g. a losing fork).
func (r *TransactionPoolRecord) Revert() {
	r.PendingStage = nil
}
