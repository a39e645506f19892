// Package pebblekv is the concrete KVStore implementation backed by
// github.com/cockroachdb/pebble, already present in the teacher's
// dependency graph (indirect, via Dragonboat's log store) and promoted
// here to a direct dependency with a real home: this package.
//
// No file in the retrieved example pack exercises the modern
// github.com/cockroachdb/pebble API directly (other_examples' pebble file
// targets the older, forked github.com/petermattis/pebble API) — pebble's
// own public API (Open/Get/Set/Delete/NewBatch/NewIter) is used here from
// general knowledge of the library rather than copied from an example.
package pebblekv

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
)

// Key layout: vbid(2 bytes BE) | rowid(8 bytes BE) | userkey. Pebble's
// natural lexicographic ordering then gives a contiguous, rowid-ordered
// range per vbucket for free — this is what makes the chunked vbucket
// deletion path (spec §4.6) a cheap DeleteRange per chunk instead of a
// per-key scan-and-delete (see SPEC_FULL.md §6).
const keyPrefixLen = 2 + 8

func encodeKey(vbid uint16, rowid int64, userKey string) []byte {
	buf := make([]byte, keyPrefixLen+len(userKey))
	binary.BigEndian.PutUint16(buf[0:2], vbid)
	binary.BigEndian.PutUint64(buf[2:10], uint64(rowid))
	copy(buf[10:], userKey)
	return buf
}

func decodeKey(k []byte) (vbid uint16, rowid int64, userKey string) {
	vbid = binary.BigEndian.Uint16(k[0:2])
	rowid = int64(binary.BigEndian.Uint64(k[2:10]))
	userKey = string(k[10:])
	return
}

func vbidRangeBounds(vbid uint16, rowRange *kvstore.RowRange) (lo, hi []byte) {
	lo = make([]byte, keyPrefixLen)
	binary.BigEndian.PutUint16(lo[0:2], vbid)
	hi = make([]byte, keyPrefixLen)
	binary.BigEndian.PutUint16(hi[0:2], vbid+1)

	if rowRange != nil {
		binary.BigEndian.PutUint64(lo[2:10], uint64(rowRange.Start))
		binary.BigEndian.PutUint16(hi[0:2], vbid)
		binary.BigEndian.PutUint64(hi[2:10], uint64(rowRange.End))
	}
	return lo, hi
}

// record is the on-disk payload for one item: metadata followed by the
// value bytes, encoded manually with encoding/binary (consistent with
// core/mlog's on-disk format) rather than a general-purpose serializer —
// this is an internal storage layout, not a client-facing wire message.
type record struct {
	Flags  uint32
	Expiry uint32
	Cas    uint64
	Seqno  uint32
	Value  []byte
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 0, 4+4+8+4+4+len(r.Value))
	buf = binary.BigEndian.AppendUint32(buf, r.Flags)
	buf = binary.BigEndian.AppendUint32(buf, r.Expiry)
	buf = binary.BigEndian.AppendUint64(buf, r.Cas)
	buf = binary.BigEndian.AppendUint32(buf, r.Seqno)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Value)))
	buf = append(buf, r.Value...)
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < 24 {
		return record{}, errors.New("pebblekv: truncated record")
	}
	r := record{
		Flags:  binary.BigEndian.Uint32(buf[0:4]),
		Expiry: binary.BigEndian.Uint32(buf[4:8]),
		Cas:    binary.BigEndian.Uint64(buf[8:16]),
		Seqno:  binary.BigEndian.Uint32(buf[16:20]),
	}
	valLen := binary.BigEndian.Uint32(buf[20:24])
	if uint32(len(buf)-24) < valLen {
		return record{}, errors.New("pebblekv: truncated record value")
	}
	r.Value = buf[24 : 24+valLen]
	return r, nil
}

var vbStateKeyPrefix = []byte{0xff, 0xff} // outside any real vbid's rowid-keyed range

func vbStateKey(vbid, vbver uint16) []byte {
	buf := make([]byte, 2+2+2)
	copy(buf, vbStateKeyPrefix)
	binary.BigEndian.PutUint16(buf[2:4], vbid)
	binary.BigEndian.PutUint16(buf[4:6], vbver)
	return buf
}

func encodeVBState(s kvstore.VBucketStateSnapshot) []byte {
	buf := make([]byte, 0, 2+len(s.State)+8+4)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.State)))
	buf = append(buf, s.State...)
	buf = binary.BigEndian.AppendUint64(buf, s.CheckpointID)
	buf = binary.BigEndian.AppendUint32(buf, s.MaxDeletedSeqno)
	return buf
}

func decodeVBState(buf []byte) (kvstore.VBucketStateSnapshot, error) {
	if len(buf) < 2 {
		return kvstore.VBucketStateSnapshot{}, errors.New("pebblekv: truncated vbstate")
	}
	nameLen := binary.BigEndian.Uint16(buf[0:2])
	off := 2 + int(nameLen)
	if len(buf) < off+12 {
		return kvstore.VBucketStateSnapshot{}, errors.New("pebblekv: truncated vbstate body")
	}
	return kvstore.VBucketStateSnapshot{
		State:           string(buf[2:off]),
		CheckpointID:    binary.BigEndian.Uint64(buf[off : off+8]),
		MaxDeletedSeqno: binary.BigEndian.Uint32(buf[off+8 : off+12]),
	}, nil
}

var nextRowIDKey = []byte{0xff, 0xfe}

// Store is a pebble-backed kvstore.KVStore.
type Store struct {
	db *pebble.DB

	nextRowID atomic.Int64

	txnMu   sync.Mutex
	txn     *pebble.Batch
	inTxn   bool
	batchCt atomic.Int64

	numShards int
}

// Open opens (creating if necessary) a pebble database at dir.
func Open(dir string, numShards int) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "pebblekv: open")
	}

	s := &Store{db: db, numShards: numShards}
	if numShards < 1 {
		s.numShards = 1
	}

	if v, closer, err := db.Get(nextRowIDKey); err == nil {
		s.nextRowID.Store(int64(binary.BigEndian.Uint64(v)))
		_ = closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		db.Close()
		return nil, errors.Wrap(err, "pebblekv: load rowid counter")
	}

	return s, nil
}

// Close closes the underlying pebble database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) StorageProperties() kvstore.StorageProperties {
	return kvstore.StorageProperties{
		MaxConcurrency:         s.numShards,
		MaxReaders:             s.numShards,
		MaxWriters:             1,
		HasEfficientVBDeletion: true,
		IsKeyDumpSupported:     true,
	}
}

// writer returns the pebble.Writer to apply mutations to: the open
// transaction's batch if one is in progress, or the db itself otherwise.
func (s *Store) writer() pebble.Writer {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if s.inTxn {
		return s.txn
	}
	return s.db
}

func (s *Store) Get(ctx context.Context, key string, rowid int64, vbid, vbver uint16, partial bool, cb kvstore.GetCallback) {
	if rowid == item.NoRowID {
		cb(false, nil, item.Item{})
		return
	}

	buf, closer, err := s.db.Get(encodeKey(vbid, rowid, key))
	if err != nil {
		cb(false, nil, item.Item{})
		return
	}
	defer closer.Close()

	rec, err := decodeRecord(buf)
	if err != nil {
		cb(false, nil, item.Item{})
		return
	}

	meta := item.Item{
		Key: key, VBID: vbid, Flags: rec.Flags, Expiry: rec.Expiry,
		Cas: rec.Cas, Seqno: rec.Seqno, RowID: rowid,
	}
	if partial {
		cb(true, nil, meta)
		return
	}
	val := make([]byte, len(rec.Value))
	copy(val, rec.Value)
	cb(true, val, meta)
}

func (s *Store) Set(ctx context.Context, it item.Item, vbver uint16, cb kvstore.SetCallback) {
	rowid := it.RowID
	if rowid == item.NoRowID {
		rowid = s.nextRowID.Add(1)
	}

	rec := encodeRecord(record{Flags: it.Flags, Expiry: it.Expiry, Cas: it.Cas, Seqno: it.Seqno, Value: it.Value})

	w := s.writer()
	if err := w.Set(encodeKey(it.VBID, rowid, it.Key), rec, pebble.NoSync); err != nil {
		cb(false, 0)
		return
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(s.nextRowID.Load()))
	_ = w.Set(nextRowIDKey, counter[:], pebble.NoSync)

	cb(true, rowid)
}

func (s *Store) Del(ctx context.Context, it item.Item, rowid int64, vbver uint16, cb kvstore.DelCallback) {
	if rowid == item.NoRowID {
		cb(0)
		return
	}
	w := s.writer()
	if err := w.Delete(encodeKey(it.VBID, rowid, it.Key), pebble.NoSync); err != nil {
		cb(-1)
		return
	}
	cb(1)
}

func (s *Store) DelVBucket(vbid, vbver uint16, rowRange *kvstore.RowRange) bool {
	lo, hi := vbidRangeBounds(vbid, rowRange)
	if err := s.db.DeleteRange(lo, hi, pebble.NoSync); err != nil {
		return false
	}
	return true
}

func (s *Store) Reset() error {
	iter := s.db.NewIter(&pebble.IterOptions{})
	defer iter.Close()

	batch := s.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		if err := batch.Delete(k, nil); err != nil {
			return errors.Wrap(err, "pebblekv: reset")
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "pebblekv: reset commit")
	}
	s.nextRowID.Store(0)
	return nil
}

func (s *Store) SnapshotVBuckets(states map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot) bool {
	batch := s.db.NewBatch()
	for k, v := range states {
		if err := batch.Set(vbStateKey(k.VBID, k.VBVer), encodeVBState(v), nil); err != nil {
			return false
		}
	}
	return batch.Commit(pebble.Sync) == nil
}

func (s *Store) ListPersistedVbuckets() map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot {
	out := make(map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot)

	lo := vbStateKeyPrefix
	hi := []byte{0xff, 0xff, 0xff, 0xff}
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < 6 {
			continue
		}
		vbid := binary.BigEndian.Uint16(k[2:4])
		vbver := binary.BigEndian.Uint16(k[4:6])
		snap, err := decodeVBState(iter.Value())
		if err != nil {
			continue
		}
		out[kvstore.VBucketKey{VBID: vbid, VBVer: vbver}] = snap
	}
	return out
}

func (s *Store) Dump(cb kvstore.DumpCallback) error {
	iter := s.db.NewIter(&pebble.IterOptions{})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < keyPrefixLen || isMetaKey(k) {
			continue
		}
		vbid, rowid, userKey := decodeKey(k)
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		it := item.Item{Key: userKey, VBID: vbid, Flags: rec.Flags, Expiry: rec.Expiry, Cas: rec.Cas, Seqno: rec.Seqno, RowID: rowid}
		if !cb(it, rec.Value) {
			break
		}
	}
	return nil
}

func (s *Store) DumpKeys(vbids []uint16, cb kvstore.DumpKeysCallback) error {
	want := make(map[uint16]bool, len(vbids))
	for _, v := range vbids {
		want[v] = true
	}

	iter := s.db.NewIter(&pebble.IterOptions{})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < keyPrefixLen || isMetaKey(k) {
			continue
		}
		vbid, rowid, userKey := decodeKey(k)
		if len(vbids) > 0 && !want[vbid] {
			continue
		}
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		it := item.Item{Key: userKey, VBID: vbid, Flags: rec.Flags, Expiry: rec.Expiry, Cas: rec.Cas, Seqno: rec.Seqno, RowID: rowid}
		if !cb(it) {
			break
		}
	}
	return nil
}

func isMetaKey(k []byte) bool {
	return len(k) >= 2 && k[0] == 0xff && (k[1] == 0xff || k[1] == 0xfe)
}

// Warmup enumerates the backing store once, feeding every record of every
// vbucket to loadCb with its full value; states and accessLog are not
// consulted. It then reports the per-vbucket record counts to estimateCb.
func (s *Store) Warmup(accessLog string, states map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot, loadCb kvstore.WarmupLoadCallback, estimateCb kvstore.WarmupEstimateCallback) (int64, error) {
	counts := make(map[uint16]int64)
	var loaded int64

	err := s.Dump(func(it item.Item, val []byte) bool {
		counts[it.VBID]++
		loaded++
		return loadCb(it, val, false)
	})
	if err != nil {
		return loaded, err
	}

	if estimateCb != nil {
		for vbid, n := range counts {
			estimateCb(vbid, n)
		}
	}
	return loaded, nil
}

func (s *Store) NumShards() int { return s.numShards }

func (s *Store) ShardID(it checkpoint.QueuedItem) int {
	return int(it.VBID) % s.numShards
}

// OptimizeWrites reorders items by (shard, key) so that writes destined for
// the same shard land adjacently, improving pebble's write-batch locality.
func (s *Store) OptimizeWrites(items []checkpoint.QueuedItem) []checkpoint.QueuedItem {
	out := make([]checkpoint.QueuedItem, len(items))
	copy(out, items)

	shardOf := func(it checkpoint.QueuedItem) int { return s.ShardID(it) }
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && (shardOf(out[j-1]) > shardOf(out[j]) ||
			(shardOf(out[j-1]) == shardOf(out[j]) && out[j-1].Key > out[j].Key)) {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

func (s *Store) Begin() error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if s.inTxn {
		return errors.New("pebblekv: transaction already open")
	}
	s.txn = s.db.NewBatch()
	s.inTxn = true
	return nil
}

func (s *Store) Commit() error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if !s.inTxn {
		return errors.New("pebblekv: no open transaction")
	}
	err := s.txn.Commit(pebble.Sync)
	s.txn = nil
	s.inTxn = false
	if err != nil {
		return errors.Wrap(err, "pebblekv: commit")
	}
	return nil
}

func (s *Store) VBStateChanged(vbid uint16, state string) {
	// nothing is written here; vbucket state reaches the store only through
	// SnapshotVBuckets.
	_ = vbid
	_ = state
}

func (s *Store) SetVBBatchCount(n int) {
	s.batchCt.Store(int64(n))
}

var _ io.Closer = (*Store)(nil)
