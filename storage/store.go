// Package storage is the committed-state store (C1): blocks, quorum
// certificates, the transaction pool's stage records, substates, locks,
// block diffs, state-tree nodes, state transitions, foreign proposals,
// burnt UTXOs, and the small set of per-shard-group pointers a
// replica's pacemaker needs across restarts (high QC, locked block, leaf
// block, last voted height). Grounded on
// chains/atomic/shared_memory.go's `database.Database`/`database.Batch`
// shape and engine/chain/block/block.go's `DBManager`. The KV, Batch and
// Iterator interfaces below are defined here, shaped after
// github.com/luxfi/database's (which this package does not import), with
// a github.com/cockroachdb/pebble on-disk adapter (PebbleKV) and an
// in-memory adapter for tests (MemoryKV).
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shardcore/dan-consensus/types"
)

// ErrNotFound is returned by any lookup that misses.
var ErrNotFound = errors.New("storage: not found")

// KV is the minimal key-value contract this package depends on,
// matching github.com/luxfi/database.Database's read/write/iterate
// surface closely enough that either the pebble adapter or the
// in-memory adapter in this package can stand in for it, and so a real
// luxfi/database.Database can be adapted with a two-line shim.
type KV interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	NewIterator(prefix []byte) Iterator
	Close() error
}

// Batch groups writes for atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Write() error
	Reset()
}

// Iterator walks keys sharing a prefix in ascending order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Store is the per-shard-group committed-state store. One Store is
// opened per local shard group a validator participates in.
type Store struct {
	db         KV
	shardGroup types.ShardGroup
}

// Open wraps an already-constructed KV backend scoped to one shard
// group. Use NewPebble or NewMemory to construct db.
func Open(db KV, group types.ShardGroup) *Store {
	return &Store{db: db, shardGroup: group}
}

// Close releases the underlying backend.
func (s *Store) Close() error { return s.db.Close() }

// Key namespaces. A single-byte prefix keeps iteration cheap and the
// key layout legible when dumped from a shell.
const (
	prefixBlock           byte = 0x01
	prefixQC              byte = 0x02
	prefixTxPool          byte = 0x03
	prefixSubstate        byte = 0x04
	prefixLock            byte = 0x05
	prefixBlockDiff        byte = 0x06
	prefixStateTreeNode   byte = 0x07
	prefixStateTransition byte = 0x08
	prefixForeignProposal byte = 0x09
	prefixBurntUtxo       byte = 0x0a
	prefixMeta            byte = 0x0b
	prefixBlockByHeight   byte = 0x0c
)

const (
	metaHighQC      = "high_qc"
	metaLockedBlock = "locked_block"
	metaLeafBlock   = "leaf_block"
	metaLastVoted   = "last_voted"
)

func key(prefix byte, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// Tx is a read/write transaction over the store. storage does not
// provide true MVCC snapshot isolation over the backend (pebble's own
// Batch/Snapshot types do that); Tx exists so callers (pending, C3) have
// a single type to thread through a unit of work and so tests can use
// the in-memory backend identically to production.
type Tx struct {
	store *Store
	batch Batch
}

// Begin starts a write transaction. Commit must be called to persist
// it; an unfinished Tx left to be garbage collected writes nothing.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, batch: s.db.NewBatch()}
}

// Commit flushes the transaction's writes atomically.
func (t *Tx) Commit() error {
	if err := t.batch.Write(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func (s *Store) get(k []byte) ([]byte, error) {
	v, err := s.db.Get(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return v, nil
}

// --- blocks ---

func (s *Store) GetBlock(ctx context.Context, id types.Hash) (types.Block, error) {
	v, err := s.get(key(prefixBlock, id[:]))
	if err != nil {
		return types.Block{}, err
	}
	return decodeBlock(v)
}

func (s *Store) GetBlockByHeight(ctx context.Context, height uint64) (types.Block, error) {
	id, err := s.get(key(prefixBlockByHeight, u64(height)))
	if err != nil {
		return types.Block{}, err
	}
	var h types.Hash
	copy(h[:], id)
	return s.GetBlock(ctx, h)
}

func (t *Tx) PutBlock(b types.Block) error {
	enc, err := encodeBlock(b)
	if err != nil {
		return fmt.Errorf("storage: encoding block %s: %w", b.ID, err)
	}
	if err := t.batch.Put(key(prefixBlock, b.ID[:]), enc); err != nil {
		return err
	}
	return t.batch.Put(key(prefixBlockByHeight, u64(b.Height)), b.ID[:])
}

// --- quorum certificates ---

func (s *Store) GetQC(ctx context.Context, id types.Hash) (types.QuorumCertificate, error) {
	v, err := s.get(key(prefixQC, id[:]))
	if err != nil {
		return types.QuorumCertificate{}, err
	}
	return decodeQC(v)
}

func (t *Tx) PutQC(qc types.QuorumCertificate) error {
	enc, err := encodeQC(qc)
	if err != nil {
		return fmt.Errorf("storage: encoding qc %s: %w", qc.ID, err)
	}
	return t.batch.Put(key(prefixQC, qc.ID[:]), enc)
}

// --- pacemaker pointers ---

func (s *Store) GetHighQC(ctx context.Context) (types.QuorumCertificate, error) {
	v, err := s.get(key(prefixMeta, []byte(metaHighQC)))
	if err != nil {
		return types.QuorumCertificate{}, err
	}
	return decodeQC(v)
}

func (t *Tx) PutHighQC(qc types.QuorumCertificate) error {
	enc, err := encodeQC(qc)
	if err != nil {
		return err
	}
	return t.batch.Put(key(prefixMeta, []byte(metaHighQC)), enc)
}

func (s *Store) GetLockedBlock(ctx context.Context) (types.Hash, error) {
	v, err := s.get(key(prefixMeta, []byte(metaLockedBlock)))
	if err != nil {
		return types.ZeroHash, err
	}
	var h types.Hash
	copy(h[:], v)
	return h, nil
}

func (t *Tx) PutLockedBlock(id types.Hash) error {
	return t.batch.Put(key(prefixMeta, []byte(metaLockedBlock)), id[:])
}

func (s *Store) GetLeafBlock(ctx context.Context) (types.Hash, error) {
	v, err := s.get(key(prefixMeta, []byte(metaLeafBlock)))
	if err != nil {
		return types.ZeroHash, err
	}
	var h types.Hash
	copy(h[:], v)
	return h, nil
}

func (t *Tx) PutLeafBlock(id types.Hash) error {
	return t.batch.Put(key(prefixMeta, []byte(metaLeafBlock)), id[:])
}

func (s *Store) GetLastVoted(ctx context.Context) (uint64, error) {
	v, err := s.get(key(prefixMeta, []byte(metaLastVoted)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (t *Tx) PutLastVoted(height uint64) error {
	return t.batch.Put(key(prefixMeta, []byte(metaLastVoted)), u64(height))
}

// --- substates ---

func (s *Store) GetSubstate(ctx context.Context, id types.SubstateID, version uint32) (types.SubstateRecord, error) {
	v, err := s.get(key(prefixSubstate, id[:], u32(version)))
	if err != nil {
		return types.SubstateRecord{}, err
	}
	return decodeSubstateRecord(v)
}

func (t *Tx) PutSubstate(r types.SubstateRecord) error {
	enc, err := encodeSubstateRecord(r)
	if err != nil {
		return fmt.Errorf("storage: encoding substate %s/%d: %w", r.SubstateID, r.Version, err)
	}
	if err := t.batch.Put(key(prefixSubstate, r.SubstateID[:], u32(r.Version)), enc); err != nil {
		return err
	}
	// Track the highest version committed for this id so pending (C3)
	// can resolve an unversioned input without scanning every version.
	cur, err := t.store.get(key(prefixMeta, []byte("latest_version:"), r.SubstateID[:]))
	if err == nil && binary.BigEndian.Uint32(cur) >= r.Version {
		return nil
	}
	return t.batch.Put(key(prefixMeta, []byte("latest_version:"), r.SubstateID[:]), u32(r.Version))
}

// LatestSubstateVersion returns the highest version ever committed for
// id. Committed here means written via PutSubstate, regardless of
// whether that version has since been destroyed — pending (C3) checks
// Destroyed itself after resolving the version.
func (s *Store) LatestSubstateVersion(ctx context.Context, id types.SubstateID) (uint32, bool, error) {
	v, err := s.get(key(prefixMeta, []byte("latest_version:"), id[:]))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return binary.BigEndian.Uint32(v), true, nil
}

// --- locks ---

func (s *Store) ListLocks(ctx context.Context, id types.SubstateID) ([]types.SubstateLock, error) {
	it := s.db.NewIterator(key(prefixLock, id[:]))
	defer it.Release()
	var out []types.SubstateLock
	for it.Next() {
		l, err := decodeSubstateLock(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, it.Error()
}

func (t *Tx) PutLock(l types.SubstateLock) error {
	enc, err := encodeSubstateLock(l)
	if err != nil {
		return err
	}
	return t.batch.Put(key(prefixLock, l.SubstateID[:], u32(l.Version), l.ByTransaction[:]), enc)
}

func (t *Tx) DeleteLock(l types.SubstateLock) error {
	return t.batch.Delete(key(prefixLock, l.SubstateID[:], u32(l.Version), l.ByTransaction[:]))
}

// --- block diffs ---

func (s *Store) GetBlockDiff(ctx context.Context, blockID types.Hash) (types.BlockDiff, error) {
	v, err := s.get(key(prefixBlockDiff, blockID[:]))
	if err != nil {
		return types.BlockDiff{}, err
	}
	return decodeBlockDiff(v)
}

func (t *Tx) PutBlockDiff(d types.BlockDiff) error {
	enc, err := encodeBlockDiff(d)
	if err != nil {
		return err
	}
	return t.batch.Put(key(prefixBlockDiff, d.BlockID[:]), enc)
}

// --- state transitions (append-only per-shard catch-up log) ---

// NextStateTransitionSeq returns the next sequence number to assign a
// StateTransition appended for (epoch, shard). Callers must persist the
// advanced counter via PutStateTransitionSeq in the same Tx that calls
// AppendStateTransition, so a retried or aborted commit cannot skip or
// reuse a sequence number.
func (s *Store) NextStateTransitionSeq(ctx context.Context, epoch types.Epoch, shard types.Shard) (uint64, error) {
	v, err := s.get(key(prefixMeta, []byte("state_transition_seq:"), u64(uint64(epoch)), u32(uint32(shard))))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (t *Tx) PutStateTransitionSeq(epoch types.Epoch, shard types.Shard, next uint64) error {
	return t.batch.Put(key(prefixMeta, []byte("state_transition_seq:"), u64(uint64(epoch)), u32(uint32(shard))), u64(next))
}

func (t *Tx) AppendStateTransition(st types.StateTransition) error {
	enc, err := encodeStateTransition(st)
	if err != nil {
		return err
	}
	return t.batch.Put(key(prefixStateTransition, u64(uint64(st.Epoch)), u32(uint32(st.Shard)), u64(st.Seq)), enc)
}

func (s *Store) ListStateTransitionsFrom(ctx context.Context, epoch types.Epoch, shard types.Shard, fromSeq uint64) ([]types.StateTransition, error) {
	it := s.db.NewIterator(key(prefixStateTransition, u64(uint64(epoch)), u32(uint32(shard))))
	defer it.Release()
	var out []types.StateTransition
	for it.Next() {
		st, err := decodeStateTransition(it.Value())
		if err != nil {
			return nil, err
		}
		if st.Seq < fromSeq {
			continue
		}
		out = append(out, st)
	}
	return out, it.Error()
}

// --- foreign proposals ---

func (t *Tx) PutForeignProposal(sourceGroup types.ShardGroup, b types.Block) error {
	enc, err := encodeBlock(b)
	if err != nil {
		return err
	}
	return t.batch.Put(key(prefixForeignProposal, []byte(sourceGroup.String()), b.ID[:]), enc)
}

// DeleteForeignProposal removes a foreign proposal once it has been
// included in a committed block and its evidence absorbed.
func (t *Tx) DeleteForeignProposal(sourceGroup types.ShardGroup, blockID types.Hash) error {
	return t.batch.Delete(key(prefixForeignProposal, []byte(sourceGroup.String()), blockID[:]))
}

func (s *Store) ListForeignProposals(ctx context.Context, sourceGroup types.ShardGroup) ([]types.Block, error) {
	it := s.db.NewIterator(key(prefixForeignProposal, []byte(sourceGroup.String())))
	defer it.Release()
	var out []types.Block
	for it.Next() {
		b, err := decodeBlock(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, it.Error()
}

// --- burnt UTXOs ---

func (s *Store) GetBurntUtxo(ctx context.Context, id types.Hash) (types.BurntUtxo, error) {
	v, err := s.get(key(prefixBurntUtxo, id[:]))
	if err != nil {
		return types.BurntUtxo{}, err
	}
	return decodeBurntUtxo(v)
}

func (t *Tx) PutBurntUtxo(u types.BurntUtxo) error {
	enc, err := encodeBurntUtxo(u)
	if err != nil {
		return err
	}
	return t.batch.Put(key(prefixBurntUtxo, u.ID[:]), enc)
}
