package wire

import (
	"fmt"
	"time"

	"github.com/shardcore/dan-consensus/types"
)

// Kind tags which variant of the message union a Message carries.
type Kind uint8

const (
	KindNewView Kind = iota
	KindProposal
	KindForeignProposal
	KindVote
	KindSyncRequest
	KindSyncResponse
	KindNewTransaction
	KindNetworkAnnounce
)

func (k Kind) String() string {
	switch k {
	case KindNewView:
		return "NewView"
	case KindProposal:
		return "Proposal"
	case KindForeignProposal:
		return "ForeignProposal"
	case KindVote:
		return "Vote"
	case KindSyncRequest:
		return "SyncRequest"
	case KindSyncResponse:
		return "SyncResponse"
	case KindNewTransaction:
		return "NewTransaction"
	case KindNetworkAnnounce:
		return "NetworkAnnounce"
	default:
		return "Unknown"
	}
}

// Message is the envelope every Hotstuff or Dan payload travels in.
// Exactly one of the typed fields is populated, selected by Kind —
// mirroring the teacher's p2p.BFT oneof, but as a plain tagged struct
// rather than a generated protobuf message.
type Message struct {
	Kind Kind

	ShardGroup types.ShardGroup

	NewView         *types.NewView
	Proposal        *Proposal
	ForeignProposal *ForeignProposal
	Vote            *types.Vote
	SyncRequest     *SyncRequest
	SyncResponse    *SyncResponse
	NewTransaction  *types.Transaction
	NetworkAnnounce *NetworkAnnounce
}

// Proposal carries a leader's block to the rest of the committee.
type Proposal struct {
	Block types.Block
}

// ForeignProposal carries a block proposed by a different shard group,
// absorbed as evidence input by the recipient committee's own
// proposals. QC is the certificate that committed or locked Block in
// its own committee — Block.JustifyQC only certifies Block's parent, so
// the sender attaches the certificate that actually backs Block itself.
type ForeignProposal struct {
	Block            types.Block
	SourceShardGroup types.ShardGroup
	QC               types.QuorumCertificate
}

// SyncRequest asks a peer for blocks starting after a known height.
type SyncRequest struct {
	ShardGroup  types.ShardGroup
	FromHeight  uint64
	ToHeight    uint64 // 0 means "as many as the peer has"
}

// SyncResponse answers a SyncRequest with a contiguous run of blocks and
// their justifying QCs, ordered by ascending height.
type SyncResponse struct {
	Blocks []types.Block
	HighQC types.QuorumCertificate
}

// NetworkAnnounce is a lightweight liveness/gossip heartbeat: "I am
// validator Sender, currently at (Epoch, Height)". This package encodes
// and decodes it; the worker does not act on it (its dispatch drops
// messages of this kind).
type NetworkAnnounce struct {
	Sender NodeID
	Epoch  types.Epoch
	Height uint64
}

// NodeID aliases types.NodeID to keep this file's exported names self
// describing without importing types twice under two names.
type NodeID = types.NodeID

// Encode serializes m into the canonical wire format.
func (m *Message) Encode() ([]byte, error) {
	w := NewWriter()
	w.WriteByte(byte(m.Kind))
	writeShardGroup(w, m.ShardGroup)

	switch m.Kind {
	case KindNewView:
		if m.NewView == nil {
			return nil, fmt.Errorf("wire: Kind NewView with nil payload")
		}
		writeNewView(w, *m.NewView)
	case KindProposal:
		if m.Proposal == nil {
			return nil, fmt.Errorf("wire: Kind Proposal with nil payload")
		}
		writeBlock(w, m.Proposal.Block)
	case KindForeignProposal:
		if m.ForeignProposal == nil {
			return nil, fmt.Errorf("wire: Kind ForeignProposal with nil payload")
		}
		writeBlock(w, m.ForeignProposal.Block)
		writeShardGroup(w, m.ForeignProposal.SourceShardGroup)
		writeQC(w, m.ForeignProposal.QC)
	case KindVote:
		if m.Vote == nil {
			return nil, fmt.Errorf("wire: Kind Vote with nil payload")
		}
		writeVote(w, *m.Vote)
	case KindSyncRequest:
		if m.SyncRequest == nil {
			return nil, fmt.Errorf("wire: Kind SyncRequest with nil payload")
		}
		writeShardGroup(w, m.SyncRequest.ShardGroup)
		w.WriteUint64(m.SyncRequest.FromHeight)
		w.WriteUint64(m.SyncRequest.ToHeight)
	case KindSyncResponse:
		if m.SyncResponse == nil {
			return nil, fmt.Errorf("wire: Kind SyncResponse with nil payload")
		}
		w.WriteUint64(uint64(len(m.SyncResponse.Blocks)))
		for _, b := range m.SyncResponse.Blocks {
			writeBlock(w, b)
		}
		writeQC(w, m.SyncResponse.HighQC)
	case KindNewTransaction:
		if m.NewTransaction == nil {
			return nil, fmt.Errorf("wire: Kind NewTransaction with nil payload")
		}
		writeTransaction(w, *m.NewTransaction)
	case KindNetworkAnnounce:
		if m.NetworkAnnounce == nil {
			return nil, fmt.Errorf("wire: Kind NetworkAnnounce with nil payload")
		}
		w.WriteHash(m.NetworkAnnounce.Sender)
		w.WriteUint64(uint64(m.NetworkAnnounce.Epoch))
		w.WriteUint64(m.NetworkAnnounce.Height)
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
	return w.Bytes(), nil
}

// Decode parses buf produced by Encode back into a Message.
func Decode(buf []byte) (*Message, error) {
	r := NewReader(buf)
	kb, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: reading kind: %w", err)
	}
	m := &Message{Kind: Kind(kb)}
	m.ShardGroup, err = readShardGroup(r)
	if err != nil {
		return nil, fmt.Errorf("wire: reading shard group: %w", err)
	}

	switch m.Kind {
	case KindNewView:
		nv, err := readNewView(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding NewView: %w", err)
		}
		m.NewView = &nv
	case KindProposal:
		b, err := readBlock(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding Proposal: %w", err)
		}
		m.Proposal = &Proposal{Block: b}
	case KindForeignProposal:
		b, err := readBlock(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding ForeignProposal block: %w", err)
		}
		src, err := readShardGroup(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding ForeignProposal source group: %w", err)
		}
		qc, err := readQC(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding ForeignProposal qc: %w", err)
		}
		m.ForeignProposal = &ForeignProposal{Block: b, SourceShardGroup: src, QC: qc}
	case KindVote:
		v, err := readVote(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding Vote: %w", err)
		}
		m.Vote = &v
	case KindSyncRequest:
		sg, err := readShardGroup(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding SyncRequest group: %w", err)
		}
		from, err := r.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decoding SyncRequest from: %w", err)
		}
		to, err := r.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decoding SyncRequest to: %w", err)
		}
		m.SyncRequest = &SyncRequest{ShardGroup: sg, FromHeight: from, ToHeight: to}
	case KindSyncResponse:
		n, err := r.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decoding SyncResponse count: %w", err)
		}
		blocks := make([]types.Block, 0, n)
		for i := uint64(0); i < n; i++ {
			b, err := readBlock(r)
			if err != nil {
				return nil, fmt.Errorf("wire: decoding SyncResponse block %d: %w", i, err)
			}
			blocks = append(blocks, b)
		}
		qc, err := readQC(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding SyncResponse high QC: %w", err)
		}
		m.SyncResponse = &SyncResponse{Blocks: blocks, HighQC: qc}
	case KindNewTransaction:
		tx, err := readTransaction(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding NewTransaction: %w", err)
		}
		m.NewTransaction = &tx
	case KindNetworkAnnounce:
		sender, err := r.ReadHash()
		if err != nil {
			return nil, fmt.Errorf("wire: decoding NetworkAnnounce sender: %w", err)
		}
		epoch, err := r.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decoding NetworkAnnounce epoch: %w", err)
		}
		height, err := r.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decoding NetworkAnnounce height: %w", err)
		}
		m.NetworkAnnounce = &NetworkAnnounce{Sender: sender, Epoch: types.Epoch(epoch), Height: height}
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
	if !r.Done() {
		return nil, fmt.Errorf("wire: trailing bytes after decoding kind %s", m.Kind)
	}
	return m, nil
}

// EncodeQC serializes a QC alone, for storage rows that don't need the
// full Message envelope (the QC isn't tagged with a Kind since its type
// is already known from the storage key it's filed under).
func EncodeQC(qc types.QuorumCertificate) []byte {
	w := NewWriter()
	writeQC(w, qc)
	return w.Bytes()
}

// DecodeQC parses bytes produced by EncodeQC.
func DecodeQC(buf []byte) (types.QuorumCertificate, error) {
	r := NewReader(buf)
	qc, err := readQC(r)
	if err != nil {
		return qc, err
	}
	if !r.Done() {
		return qc, fmt.Errorf("wire: trailing bytes after decoding QC")
	}
	return qc, nil
}

func writeShardGroup(w *Writer, g types.ShardGroup) {
	w.WriteUint32(uint32(g.Start))
	w.WriteUint32(uint32(g.End))
}

func readShardGroup(r *Reader) (types.ShardGroup, error) {
	start, err := r.ReadUint32()
	if err != nil {
		return types.ShardGroup{}, err
	}
	end, err := r.ReadUint32()
	if err != nil {
		return types.ShardGroup{}, err
	}
	return types.ShardGroup{Start: types.Shard(start), End: types.Shard(end)}, nil
}

func writeNewView(w *Writer, nv types.NewView) {
	w.WriteUint64(uint64(nv.Epoch))
	w.WriteUint64(nv.NewHeight)
	writeQC(w, nv.HighQC)
	w.WriteHash(nv.Sender)
}

func readNewView(r *Reader) (types.NewView, error) {
	epoch, err := r.ReadUint64()
	if err != nil {
		return types.NewView{}, err
	}
	height, err := r.ReadUint64()
	if err != nil {
		return types.NewView{}, err
	}
	qc, err := readQC(r)
	if err != nil {
		return types.NewView{}, err
	}
	sender, err := r.ReadHash()
	if err != nil {
		return types.NewView{}, err
	}
	return types.NewView{Epoch: types.Epoch(epoch), NewHeight: height, HighQC: qc, Sender: sender}, nil
}

func writeVote(w *Writer, v types.Vote) {
	w.WriteUint64(uint64(v.Epoch))
	w.WriteHash(v.BlockID)
	w.WriteHash(v.LeafHash)
	w.WriteByte(byte(v.Decision))
	writeSignature(w, v.Signature)
}

func readVote(r *Reader) (types.Vote, error) {
	var v types.Vote
	epoch, err := r.ReadUint64()
	if err != nil {
		return v, err
	}
	v.Epoch = types.Epoch(epoch)
	if v.BlockID, err = r.ReadHash(); err != nil {
		return v, err
	}
	if v.LeafHash, err = r.ReadHash(); err != nil {
		return v, err
	}
	d, err := r.ReadByte()
	if err != nil {
		return v, err
	}
	v.Decision = types.Decision(d)
	if v.Signature, err = readSignature(r); err != nil {
		return v, err
	}
	return v, nil
}

func writeSignature(w *Writer, s types.PartialSignature) {
	w.WriteHash(s.Signer)
	w.WriteBytes(s.PublicKey)
	w.WriteBytes(s.Signature)
}

func readSignature(r *Reader) (types.PartialSignature, error) {
	var s types.PartialSignature
	var err error
	if s.Signer, err = r.ReadHash(); err != nil {
		return s, err
	}
	if s.PublicKey, err = r.ReadBytes(); err != nil {
		return s, err
	}
	if s.Signature, err = r.ReadBytes(); err != nil {
		return s, err
	}
	return s, nil
}

func writeQC(w *Writer, qc types.QuorumCertificate) {
	w.WriteHash(qc.ID)
	w.WriteHash(qc.BlockID)
	w.WriteUint64(qc.BlockHeight)
	w.WriteUint64(uint64(qc.Epoch))
	writeShardGroup(w, qc.ShardGroup)
	w.WriteByte(byte(qc.Decision))
	w.WriteUint64(uint64(len(qc.Signatures)))
	for _, s := range qc.Signatures {
		writeSignature(w, s)
	}
}

func readQC(r *Reader) (types.QuorumCertificate, error) {
	var qc types.QuorumCertificate
	var err error
	if qc.ID, err = r.ReadHash(); err != nil {
		return qc, err
	}
	if qc.BlockID, err = r.ReadHash(); err != nil {
		return qc, err
	}
	if qc.BlockHeight, err = r.ReadUint64(); err != nil {
		return qc, err
	}
	epoch, err := r.ReadUint64()
	if err != nil {
		return qc, err
	}
	qc.Epoch = types.Epoch(epoch)
	if qc.ShardGroup, err = readShardGroup(r); err != nil {
		return qc, err
	}
	d, err := r.ReadByte()
	if err != nil {
		return qc, err
	}
	qc.Decision = types.Decision(d)
	n, err := r.ReadUint64()
	if err != nil {
		return qc, err
	}
	qc.Signatures = make([]types.PartialSignature, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := readSignature(r)
		if err != nil {
			return qc, err
		}
		qc.Signatures = append(qc.Signatures, s)
	}
	return qc, nil
}

func writeEvidence(w *Writer, e types.Evidence) {
	w.WriteUint64(uint64(len(e)))
	for key, se := range e {
		w.WriteString(key)
		writeShardGroup(w, se.Group)
		writeOptionalHash(w, se.PreparedQCID)
		writeOptionalHash(w, se.AcceptedQCID)
		if se.RemoteRejected {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	}
}

func readEvidence(r *Reader) (types.Evidence, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	e := make(types.Evidence, n)
	for i := uint64(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		var se types.ShardEvidence
		if se.Group, err = readShardGroup(r); err != nil {
			return nil, err
		}
		if se.PreparedQCID, err = readOptionalHash(r); err != nil {
			return nil, err
		}
		if se.AcceptedQCID, err = readOptionalHash(r); err != nil {
			return nil, err
		}
		rejected, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		se.RemoteRejected = rejected == 1
		e[key] = se
	}
	return e, nil
}

func writeOptionalHash(w *Writer, h *types.Hash) {
	if h == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	w.WriteHash(*h)
}

func readOptionalHash(r *Reader) (*types.Hash, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	h, err := r.ReadHash()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func writeFeeBreakdown(w *Writer, f types.FeeBreakdown) {
	w.WriteUint64(f.NetworkFee)
	w.WriteUint64(f.EngineFee)
	w.WriteUint64(f.StorageFee)
}

func readFeeBreakdown(r *Reader) (types.FeeBreakdown, error) {
	var f types.FeeBreakdown
	var err error
	if f.NetworkFee, err = r.ReadUint64(); err != nil {
		return f, err
	}
	if f.EngineFee, err = r.ReadUint64(); err != nil {
		return f, err
	}
	if f.StorageFee, err = r.ReadUint64(); err != nil {
		return f, err
	}
	return f, nil
}

func writeSubstateChange(w *Writer, c types.SubstateChange) {
	w.WriteByte(byte(c.Kind))
	w.WriteHash(c.SubstateID)
	w.WriteUint32(c.Version)
	w.WriteBytes(c.Value)
	w.WriteHash(c.CreatedByTx)
}

func readSubstateChange(r *Reader) (types.SubstateChange, error) {
	var c types.SubstateChange
	k, err := r.ReadByte()
	if err != nil {
		return c, err
	}
	c.Kind = types.SubstateChangeKind(k)
	if c.SubstateID, err = r.ReadHash(); err != nil {
		return c, err
	}
	if c.Version, err = r.ReadUint32(); err != nil {
		return c, err
	}
	if c.Value, err = r.ReadBytes(); err != nil {
		return c, err
	}
	if c.CreatedByTx, err = r.ReadHash(); err != nil {
		return c, err
	}
	return c, nil
}

func writeAtom(w *Writer, a types.TransactionAtom) {
	w.WriteHash(a.TransactionID)
	w.WriteByte(byte(a.Decision))
	w.WriteString(string(a.AbortReason))
	writeEvidence(w, a.Evidence)
	writeFeeBreakdown(w, a.FeeCharged)
	w.WriteUint64(uint64(len(a.Outputs)))
	for _, c := range a.Outputs {
		writeSubstateChange(w, c)
	}
}

func readAtom(r *Reader) (types.TransactionAtom, error) {
	var a types.TransactionAtom
	var err error
	if a.TransactionID, err = r.ReadHash(); err != nil {
		return a, err
	}
	d, err := r.ReadByte()
	if err != nil {
		return a, err
	}
	a.Decision = types.Decision(d)
	reason, err := r.ReadString()
	if err != nil {
		return a, err
	}
	a.AbortReason = types.AbortReason(reason)
	if a.Evidence, err = readEvidence(r); err != nil {
		return a, err
	}
	if a.FeeCharged, err = readFeeBreakdown(r); err != nil {
		return a, err
	}
	n, err := r.ReadUint64()
	if err != nil {
		return a, err
	}
	a.Outputs = make([]types.SubstateChange, 0, n)
	for i := uint64(0); i < n; i++ {
		c, err := readSubstateChange(r)
		if err != nil {
			return a, err
		}
		a.Outputs = append(a.Outputs, c)
	}
	return a, nil
}

func writeCommand(w *Writer, c types.Command) {
	w.WriteByte(byte(c.Kind))
	writeAtom(w, c.Atom)
	w.WriteHash(c.ForeignBlockID)
	writeShardGroup(w, c.ForeignShardGroup)
	w.WriteHash(c.BurntUtxoID)
}

func readCommand(r *Reader) (types.Command, error) {
	var c types.Command
	k, err := r.ReadByte()
	if err != nil {
		return c, err
	}
	c.Kind = types.CommandKind(k)
	if c.Atom, err = readAtom(r); err != nil {
		return c, err
	}
	if c.ForeignBlockID, err = r.ReadHash(); err != nil {
		return c, err
	}
	if c.ForeignShardGroup, err = readShardGroup(r); err != nil {
		return c, err
	}
	if c.BurntUtxoID, err = r.ReadHash(); err != nil {
		return c, err
	}
	return c, nil
}

func writeBlock(w *Writer, b types.Block) {
	w.WriteHash(b.ID)
	w.WriteHash(b.ParentID)
	writeQC(w, b.JustifyQC)
	w.WriteHash(b.Proposer)
	w.WriteUint64(b.Height)
	w.WriteUint64(uint64(b.Epoch))
	writeShardGroup(w, b.ShardGroup)

	w.WriteUint64(uint64(len(b.Commands)))
	for _, c := range b.Commands {
		writeCommand(w, c)
	}

	w.WriteUint64(uint64(len(b.MerkleRootPerShard)))
	for _, sr := range b.MerkleRootPerShard {
		w.WriteUint32(uint32(sr.Shard))
		w.WriteHash(sr.Root)
	}

	w.WriteUint64(uint64(b.Timestamp.UnixNano()))
	w.WriteUint64(b.BaseLayerHeight)

	w.WriteUint64(uint64(len(b.ForeignIndexes)))
	for _, id := range b.ForeignIndexes {
		w.WriteHash(id)
	}

	w.WriteBytes(b.ExtraData)
	w.WriteBytes(b.Signature)
	if b.Dummy {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readBlock(r *Reader) (types.Block, error) {
	var b types.Block
	var err error
	if b.ID, err = r.ReadHash(); err != nil {
		return b, err
	}
	if b.ParentID, err = r.ReadHash(); err != nil {
		return b, err
	}
	if b.JustifyQC, err = readQC(r); err != nil {
		return b, err
	}
	if b.Proposer, err = r.ReadHash(); err != nil {
		return b, err
	}
	if b.Height, err = r.ReadUint64(); err != nil {
		return b, err
	}
	epoch, err := r.ReadUint64()
	if err != nil {
		return b, err
	}
	b.Epoch = types.Epoch(epoch)
	if b.ShardGroup, err = readShardGroup(r); err != nil {
		return b, err
	}

	nc, err := r.ReadUint64()
	if err != nil {
		return b, err
	}
	b.Commands = make([]types.Command, 0, nc)
	for i := uint64(0); i < nc; i++ {
		c, err := readCommand(r)
		if err != nil {
			return b, err
		}
		b.Commands = append(b.Commands, c)
	}

	nr, err := r.ReadUint64()
	if err != nil {
		return b, err
	}
	b.MerkleRootPerShard = make([]types.ShardRoot, 0, nr)
	for i := uint64(0); i < nr; i++ {
		shard, err := r.ReadUint32()
		if err != nil {
			return b, err
		}
		root, err := r.ReadHash()
		if err != nil {
			return b, err
		}
		b.MerkleRootPerShard = append(b.MerkleRootPerShard, types.ShardRoot{Shard: types.Shard(shard), Root: root})
	}

	ts, err := r.ReadUint64()
	if err != nil {
		return b, err
	}
	b.Timestamp = time.Unix(0, int64(ts)).UTC()

	if b.BaseLayerHeight, err = r.ReadUint64(); err != nil {
		return b, err
	}

	nf, err := r.ReadUint64()
	if err != nil {
		return b, err
	}
	b.ForeignIndexes = make([]types.Hash, 0, nf)
	for i := uint64(0); i < nf; i++ {
		id, err := r.ReadHash()
		if err != nil {
			return b, err
		}
		b.ForeignIndexes = append(b.ForeignIndexes, id)
	}

	if b.ExtraData, err = r.ReadBytes(); err != nil {
		return b, err
	}
	if b.Signature, err = r.ReadBytes(); err != nil {
		return b, err
	}
	dummy, err := r.ReadByte()
	if err != nil {
		return b, err
	}
	b.Dummy = dummy == 1
	return b, nil
}

func writeVersionedSubstateID(w *Writer, v types.VersionedSubstateID) {
	w.WriteHash(v.SubstateID)
	if v.Version == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	w.WriteUint32(*v.Version)
}

func readVersionedSubstateID(r *Reader) (types.VersionedSubstateID, error) {
	var v types.VersionedSubstateID
	var err error
	if v.SubstateID, err = r.ReadHash(); err != nil {
		return v, err
	}
	present, err := r.ReadByte()
	if err != nil {
		return v, err
	}
	if present == 0 {
		return v, nil
	}
	ver, err := r.ReadUint32()
	if err != nil {
		return v, err
	}
	v.Version = &ver
	return v, nil
}

func writeTransaction(w *Writer, t types.Transaction) {
	w.WriteHash(t.ID)
	w.WriteBytes(t.FeeInstructions)
	w.WriteBytes(t.Instructions)
	w.WriteBytes(t.Signature)
	w.WriteBytes(t.SignerPublicKey)

	w.WriteUint64(uint64(len(t.DeclaredInputs)))
	for _, in := range t.DeclaredInputs {
		writeVersionedSubstateID(w, in)
	}
	w.WriteUint64(uint64(len(t.DeclaredOutputs)))
	for _, out := range t.DeclaredOutputs {
		w.WriteHash(out)
	}
	w.WriteUint64(uint64(len(t.FilledInputs)))
	for _, in := range t.FilledInputs {
		writeVersionedSubstateID(w, in)
	}
}

func readTransaction(r *Reader) (types.Transaction, error) {
	var t types.Transaction
	var err error
	if t.ID, err = r.ReadHash(); err != nil {
		return t, err
	}
	if t.FeeInstructions, err = r.ReadBytes(); err != nil {
		return t, err
	}
	if t.Instructions, err = r.ReadBytes(); err != nil {
		return t, err
	}
	if t.Signature, err = r.ReadBytes(); err != nil {
		return t, err
	}
	if t.SignerPublicKey, err = r.ReadBytes(); err != nil {
		return t, err
	}

	ni, err := r.ReadUint64()
	if err != nil {
		return t, err
	}
	t.DeclaredInputs = make([]types.VersionedSubstateID, 0, ni)
	for i := uint64(0); i < ni; i++ {
		v, err := readVersionedSubstateID(r)
		if err != nil {
			return t, err
		}
		t.DeclaredInputs = append(t.DeclaredInputs, v)
	}

	no, err := r.ReadUint64()
	if err != nil {
		return t, err
	}
	t.DeclaredOutputs = make([]types.SubstateID, 0, no)
	for i := uint64(0); i < no; i++ {
		h, err := r.ReadHash()
		if err != nil {
			return t, err
		}
		t.DeclaredOutputs = append(t.DeclaredOutputs, h)
	}

	nfi, err := r.ReadUint64()
	if err != nil {
		return t, err
	}
	t.FilledInputs = make([]types.VersionedSubstateID, 0, nfi)
	for i := uint64(0); i < nfi; i++ {
		v, err := readVersionedSubstateID(r)
		if err != nil {
			return t, err
		}
		t.FilledInputs = append(t.FilledInputs, v)
	}
	return t, nil
}
