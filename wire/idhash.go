package wire

import (
	"github.com/shardcore/dan-consensus/hashing"
	"github.com/shardcore/dan-consensus/types"
)

// HashTransaction computes a transaction's content id: every field
// except ID, FilledInputs, Signature and SignerPublicKey (the last two
// authenticate the content, they aren't part of it).
func HashTransaction(t types.Transaction) types.Hash {
	h := hashing.New(hashing.DomainTransaction)
	h.WriteBytes(t.FeeInstructions)
	h.WriteBytes(t.Instructions)
	h.WriteUint64(uint64(len(t.DeclaredInputs)))
	for _, in := range t.DeclaredInputs {
		h.WriteHash(in.SubstateID)
		if in.Version != nil {
			h.WriteByte(1)
			h.WriteUint32(*in.Version)
		} else {
			h.WriteByte(0)
		}
	}
	h.WriteUint64(uint64(len(t.DeclaredOutputs)))
	for _, out := range t.DeclaredOutputs {
		h.WriteHash(out)
	}
	return h.Sum()
}

// HashQC computes a QC's id from its content: block reference, decision,
// and the sorted set of distinct signers (sorting makes the id
// independent of the order votes arrived in).
func HashQC(qc types.QuorumCertificate) types.Hash {
	h := hashing.New(hashing.DomainQC)
	h.WriteHash(qc.BlockID)
	h.WriteUint64(qc.BlockHeight)
	h.WriteUint64(uint64(qc.Epoch))
	h.WriteUint32(uint32(qc.ShardGroup.Start))
	h.WriteUint32(uint32(qc.ShardGroup.End))
	h.WriteByte(byte(qc.Decision))

	signers := qc.SignerSet()
	sortNodeIDs(signers)
	h.WriteUint64(uint64(len(signers)))
	for _, s := range signers {
		h.WriteHash(s)
	}
	return h.Sum()
}

// HashBlock computes a block's id from every field except Signature,
// Dummy and the id itself, per spec.md §6's wire layout. Each command
// contributes only its kind, transaction id, decision, foreign block id
// and burnt UTXO id.
func HashBlock(b types.Block) types.Hash {
	h := hashing.New(hashing.DomainBlock)
	h.WriteHash(b.ParentID)
	h.WriteHash(HashQC(b.JustifyQC))
	h.WriteHash(b.Proposer)
	h.WriteUint64(b.Height)
	h.WriteUint64(uint64(b.Epoch))
	h.WriteUint32(uint32(b.ShardGroup.Start))
	h.WriteUint32(uint32(b.ShardGroup.End))

	h.WriteUint64(uint64(len(b.Commands)))
	for _, c := range b.Commands {
		h.WriteByte(byte(c.Kind))
		h.WriteHash(c.Atom.TransactionID)
		h.WriteByte(byte(c.Atom.Decision))
		h.WriteHash(c.ForeignBlockID)
		h.WriteHash(c.BurntUtxoID)
	}

	sorted := types.SortedShardRoots(b.MerkleRootPerShard)
	h.WriteUint64(uint64(len(sorted)))
	for _, sr := range sorted {
		h.WriteUint32(uint32(sr.Shard))
		h.WriteHash(sr.Root)
	}

	h.WriteUint64(uint64(b.Timestamp.UnixNano()))
	h.WriteUint64(b.BaseLayerHeight)

	h.WriteUint64(uint64(len(b.ForeignIndexes)))
	for _, id := range b.ForeignIndexes {
		h.WriteHash(id)
	}

	h.WriteBytes(b.ExtraData)
	return h.Sum()
}

func sortNodeIDs(ids []types.NodeID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && lessNodeID(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func lessNodeID(a, b types.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
