package types

// PartialSignature is one committee member's signature over a vote
// challenge. Signing/verification themselves are out of scope (spec.md
// §1 treats key management as a black box); this type only carries the
// bytes a SignatureService produces and consumes.
type PartialSignature struct {
	Signer    NodeID
	PublicKey []byte
	Signature []byte
}

// QuorumCertificate aggregates >= 2f+1 distinct committee signatures
// over the same (block, decision) pair.
type QuorumCertificate struct {
	ID          Hash
	BlockID     Hash
	BlockHeight uint64
	Epoch       Epoch
	ShardGroup  ShardGroup
	Decision    Decision
	Signatures  []PartialSignature
}

// Less orders QCs by (epoch, block height), the lexicographic order
// HighQC monotonicity (spec.md §8) is defined over.
func (qc QuorumCertificate) Less(other QuorumCertificate) bool {
	if qc.Epoch != other.Epoch {
		return qc.Epoch < other.Epoch
	}
	return qc.BlockHeight < other.BlockHeight
}

// GreaterOrEqual reports whether qc is at least as high as other in the
// (epoch, height) order.
func (qc QuorumCertificate) GreaterOrEqual(other QuorumCertificate) bool {
	return !qc.Less(other)
}

// SignerSet returns the distinct signer ids backing the QC, in the order
// their signatures appear, used both to check the 2f+1 threshold and as
// part of the QC's own id preimage (wire.HashQC sorts them by node id
// bytes; signer public keys play no part in that ordering).
func (qc QuorumCertificate) SignerSet() []NodeID {
	out := make([]NodeID, 0, len(qc.Signatures))
	seen := make(map[NodeID]struct{}, len(qc.Signatures))
	for _, sig := range qc.Signatures {
		if _, ok := seen[sig.Signer]; ok {
			continue
		}
		seen[sig.Signer] = struct{}{}
		out = append(out, sig.Signer)
	}
	return out
}

// Vote is a single replica's signed response to a proposal.
type Vote struct {
	Epoch     Epoch
	BlockID   Hash
	LeafHash  Hash
	Decision  Decision
	Signature PartialSignature
}

// NewView is sent by a replica to the next leader when its pacemaker
// times out, carrying the highest QC it has observed.
type NewView struct {
	Epoch     Epoch
	NewHeight uint64
	HighQC    QuorumCertificate
	Sender    NodeID
}
