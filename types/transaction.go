package types

// VersionedSubstateID names a substate a transaction declares as input.
// Version is nil when the client did not know the current version at
// submission time; the leader resolves it at proposal time against the
// pending substate store (C3).
type VersionedSubstateID struct {
	SubstateID SubstateID
	Version    *uint32
}

// IsResolved reports whether the declared input already names a version.
func (v VersionedSubstateID) IsResolved() bool {
	return v.Version != nil
}

// Transaction is the immutable, client-signed unit of work submitted to
// the network. Its ID is a content hash computed by hashing.Transaction.
type Transaction struct {
	ID               Hash
	FeeInstructions  []byte // opaque to the core; interpreted by the executor oracle
	Instructions     []byte // opaque to the core; interpreted by the executor oracle
	Signature        []byte
	SignerPublicKey  []byte
	DeclaredInputs   []VersionedSubstateID
	DeclaredOutputs  []SubstateID
	FilledInputs     []VersionedSubstateID // inputs resolved by the leader at proposal time
}

// IsLocalOnly reports whether every declared input/output falls in the
// given shard group, i.e. the transaction never needs foreign evidence.
func (t *Transaction) IsLocalOnly(group ShardGroup, numShards uint32, resolve func(SubstateID) (SubstateAddress, bool)) bool {
	check := func(id SubstateID) bool {
		addr, ok := resolve(id)
		if !ok {
			return false
		}
		return group.Contains(ShardOf(addr, numShards))
	}
	for _, in := range t.DeclaredInputs {
		if !check(in.SubstateID) {
			return false
		}
	}
	for _, out := range t.DeclaredOutputs {
		if !check(out) {
			return false
		}
	}
	return true
}

// FeeBreakdown splits a charged fee into its components. Carried over
// from original_source/dan_layer/transaction's fee accounting, which the
// distilled spec.md collapses into a single "fee_charged" scalar.
type FeeBreakdown struct {
	NetworkFee uint64
	EngineFee  uint64
	StorageFee uint64
}

// Total sums the fee components into the scalar spec.md refers to as
// fee_charged.
func (f FeeBreakdown) Total() uint64 {
	return f.NetworkFee + f.EngineFee + f.StorageFee
}

// Evidence maps a foreign shard group to the QC ids that witness its
// prepared/accepted decision for one transaction. Entries only grow:
// once prepared_qc_id is set for a shard group it is never overwritten
// (invariant 6 of spec.md §3).
type Evidence map[string]ShardEvidence

// ShardEvidence is one foreign shard group's contribution to a
// transaction's evidence map.
type ShardEvidence struct {
	Group          ShardGroup
	PreparedQCID   *Hash
	AcceptedQCID   *Hash
	RemoteRejected bool
}

// EvidenceKey is the map key used for a shard group within an Evidence
// map: shard groups are value types, map keys must be comparable and
// printable, so a canonical string of the range is used.
func EvidenceKey(g ShardGroup) string {
	return g.String()
}

// Merge folds in with the receiver's contents without regressing any
// already-set field, enforcing evidence monotonicity. Returns true if
// anything changed.
func (e Evidence) Merge(group ShardGroup, incoming ShardEvidence) bool {
	key := EvidenceKey(group)
	cur, ok := e[key]
	if !ok {
		cur = ShardEvidence{Group: group}
	}
	changed := false
	if incoming.PreparedQCID != nil && cur.PreparedQCID == nil {
		cur.PreparedQCID = incoming.PreparedQCID
		changed = true
	}
	if incoming.AcceptedQCID != nil && cur.AcceptedQCID == nil {
		cur.AcceptedQCID = incoming.AcceptedQCID
		changed = true
	}
	if incoming.RemoteRejected && !cur.RemoteRejected {
		cur.RemoteRejected = true
		changed = true
	}
	e[key] = cur
	return changed
}

// AllPrepared reports whether every shard group named in required has a
// prepared QC on record and none rejected.
func (e Evidence) AllPrepared(required []ShardGroup) (ok bool, anyRejected bool) {
	for _, g := range required {
		se, has := e[EvidenceKey(g)]
		if !has {
			return false, false
		}
		if se.RemoteRejected {
			anyRejected = true
			continue
		}
		if se.PreparedQCID == nil {
			return false, anyRejected
		}
	}
	return !anyRejected, anyRejected
}

// AllAccepted reports whether every shard group named in required has an
// accepted QC on record and none rejected.
func (e Evidence) AllAccepted(required []ShardGroup) (ok bool, anyRejected bool) {
	for _, g := range required {
		se, has := e[EvidenceKey(g)]
		if !has {
			return false, false
		}
		if se.RemoteRejected {
			anyRejected = true
			continue
		}
		if se.AcceptedQCID == nil {
			return false, anyRejected
		}
	}
	return !anyRejected, anyRejected
}

// TransactionAtom is the consensus-level summary of a transaction at a
// pool stage, as carried by a Command.
type TransactionAtom struct {
	TransactionID Hash
	Decision      Decision
	AbortReason   AbortReason
	Evidence      Evidence
	FeeCharged    FeeBreakdown

	// Outputs is the Up/Down substate changes this transaction's
	// execution produced, set once by the proposer's LocalAccepted
	// command (from executor.Result.Outputs) and carried forward
	// unchanged through AllAccepted/SomeAccepted so a receiving replica
	// can fold them into the block's diff without re-running the
	// executor itself.
	Outputs []SubstateChange
}
