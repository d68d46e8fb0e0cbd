package storage

import (
	"fmt"

	"github.com/shardcore/dan-consensus/types"
	"github.com/shardcore/dan-consensus/wire"
)

// Every encode/decode pair here reuses wire.Writer/wire.Reader (the
// same length-prefixed scheme the network envelope uses) rather than
// inventing a second on-disk format: a block or QC looks the same
// whether it is about to go on the wire or into the store.

func encodeBlock(b types.Block) ([]byte, error) {
	m := &wire.Message{Kind: wire.KindProposal, ShardGroup: b.ShardGroup, Proposal: &wire.Proposal{Block: b}}
	return m.Encode()
}

func decodeBlock(buf []byte) (types.Block, error) {
	m, err := wire.Decode(buf)
	if err != nil {
		return types.Block{}, err
	}
	if m.Proposal == nil {
		return types.Block{}, fmt.Errorf("storage: decoded message is not a block")
	}
	return m.Proposal.Block, nil
}

func encodeQC(qc types.QuorumCertificate) ([]byte, error) {
	return wire.EncodeQC(qc), nil
}

func decodeQC(buf []byte) (types.QuorumCertificate, error) {
	return wire.DecodeQC(buf)
}

func encodeSubstateRecord(r types.SubstateRecord) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteHash(r.SubstateID)
	w.WriteUint32(r.Version)
	w.WriteBytes(r.Value)
	w.WriteHash(r.CreatedByTx)
	w.WriteHash(r.CreatedJustifyQC)
	w.WriteHash(r.CreatedBlock)
	w.WriteUint64(r.CreatedHeight)
	w.WriteUint64(uint64(r.CreatedEpoch))
	w.WriteUint32(uint32(r.CreatedShard))
	if r.Destroyed {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteHash(r.DestroyedByTx)
	w.WriteHash(r.DestroyedJustifyQC)
	w.WriteHash(r.DestroyedBlock)
	w.WriteUint64(r.DestroyedHeight)
	w.WriteUint64(uint64(r.DestroyedEpoch))
	w.WriteUint32(uint32(r.DestroyedShard))
	return w.Bytes(), nil
}

func decodeSubstateRecord(buf []byte) (types.SubstateRecord, error) {
	r := wire.NewReader(buf)
	var rec types.SubstateRecord
	var err error
	if rec.SubstateID, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.Version, err = r.ReadUint32(); err != nil {
		return rec, err
	}
	if rec.Value, err = r.ReadBytes(); err != nil {
		return rec, err
	}
	if rec.CreatedByTx, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.CreatedJustifyQC, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.CreatedBlock, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.CreatedHeight, err = r.ReadUint64(); err != nil {
		return rec, err
	}
	epoch, err := r.ReadUint64()
	if err != nil {
		return rec, err
	}
	rec.CreatedEpoch = types.Epoch(epoch)
	shard, err := r.ReadUint32()
	if err != nil {
		return rec, err
	}
	rec.CreatedShard = types.Shard(shard)
	destroyed, err := r.ReadByte()
	if err != nil {
		return rec, err
	}
	rec.Destroyed = destroyed == 1
	if rec.DestroyedByTx, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.DestroyedJustifyQC, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.DestroyedBlock, err = r.ReadHash(); err != nil {
		return rec, err
	}
	if rec.DestroyedHeight, err = r.ReadUint64(); err != nil {
		return rec, err
	}
	destroyedEpoch, err := r.ReadUint64()
	if err != nil {
		return rec, err
	}
	rec.DestroyedEpoch = types.Epoch(destroyedEpoch)
	destroyedShard, err := r.ReadUint32()
	if err != nil {
		return rec, err
	}
	rec.DestroyedShard = types.Shard(destroyedShard)
	return rec, nil
}

func encodeSubstateLock(l types.SubstateLock) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteHash(l.SubstateID)
	w.WriteUint32(l.Version)
	w.WriteHash(l.ByTransaction)
	w.WriteByte(byte(l.Kind))
	if l.IsLocalOnly {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return w.Bytes(), nil
}

func decodeSubstateLock(buf []byte) (types.SubstateLock, error) {
	r := wire.NewReader(buf)
	var l types.SubstateLock
	var err error
	if l.SubstateID, err = r.ReadHash(); err != nil {
		return l, err
	}
	if l.Version, err = r.ReadUint32(); err != nil {
		return l, err
	}
	if l.ByTransaction, err = r.ReadHash(); err != nil {
		return l, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return l, err
	}
	l.Kind = types.LockType(kind)
	localOnly, err := r.ReadByte()
	if err != nil {
		return l, err
	}
	l.IsLocalOnly = localOnly == 1
	return l, nil
}

func encodeBlockDiff(d types.BlockDiff) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteHash(d.BlockID)
	w.WriteUint32(uint32(d.Shard))
	w.WriteUint64(uint64(len(d.Changes)))
	for _, c := range d.Changes {
		w.WriteByte(byte(c.Kind))
		w.WriteHash(c.SubstateID)
		w.WriteUint32(c.Version)
		w.WriteBytes(c.Value)
		w.WriteHash(c.CreatedByTx)
	}
	return w.Bytes(), nil
}

func decodeBlockDiff(buf []byte) (types.BlockDiff, error) {
	r := wire.NewReader(buf)
	var d types.BlockDiff
	var err error
	if d.BlockID, err = r.ReadHash(); err != nil {
		return d, err
	}
	shard, err := r.ReadUint32()
	if err != nil {
		return d, err
	}
	d.Shard = types.Shard(shard)
	n, err := r.ReadUint64()
	if err != nil {
		return d, err
	}
	d.Changes = make([]types.SubstateChange, 0, n)
	for i := uint64(0); i < n; i++ {
		var c types.SubstateChange
		kind, err := r.ReadByte()
		if err != nil {
			return d, err
		}
		c.Kind = types.SubstateChangeKind(kind)
		if c.SubstateID, err = r.ReadHash(); err != nil {
			return d, err
		}
		if c.Version, err = r.ReadUint32(); err != nil {
			return d, err
		}
		if c.Value, err = r.ReadBytes(); err != nil {
			return d, err
		}
		if c.CreatedByTx, err = r.ReadHash(); err != nil {
			return d, err
		}
		d.Changes = append(d.Changes, c)
	}
	return d, nil
}

func encodeStateTransition(st types.StateTransition) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUint64(uint64(st.Epoch))
	w.WriteUint32(uint32(st.Shard))
	w.WriteUint64(st.Seq)
	w.WriteByte(byte(st.Kind))
	w.WriteHash(st.SubstateID)
	w.WriteUint32(st.Version)
	return w.Bytes(), nil
}

func decodeStateTransition(buf []byte) (types.StateTransition, error) {
	r := wire.NewReader(buf)
	var st types.StateTransition
	epoch, err := r.ReadUint64()
	if err != nil {
		return st, err
	}
	st.Epoch = types.Epoch(epoch)
	shard, err := r.ReadUint32()
	if err != nil {
		return st, err
	}
	st.Shard = types.Shard(shard)
	if st.Seq, err = r.ReadUint64(); err != nil {
		return st, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return st, err
	}
	st.Kind = types.StateTransitionKind(kind)
	if st.SubstateID, err = r.ReadHash(); err != nil {
		return st, err
	}
	if st.Version, err = r.ReadUint32(); err != nil {
		return st, err
	}
	return st, nil
}

func encodeBurntUtxo(u types.BurntUtxo) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteHash(u.ID)
	w.WriteBytes(u.Value)
	w.WriteUint64(u.MintedAtHeight)
	if u.ProposedBlock != nil {
		w.WriteByte(1)
		w.WriteHash(*u.ProposedBlock)
	} else {
		w.WriteByte(0)
	}
	return w.Bytes(), nil
}

func decodeBurntUtxo(buf []byte) (types.BurntUtxo, error) {
	r := wire.NewReader(buf)
	var u types.BurntUtxo
	var err error
	if u.ID, err = r.ReadHash(); err != nil {
		return u, err
	}
	if u.Value, err = r.ReadBytes(); err != nil {
		return u, err
	}
	if u.MintedAtHeight, err = r.ReadUint64(); err != nil {
		return u, err
	}
	present, err := r.ReadByte()
	if err != nil {
		return u, err
	}
	if present == 1 {
		h, err := r.ReadHash()
		if err != nil {
			return u, err
		}
		u.ProposedBlock = &h
	}
	return u, nil
}
