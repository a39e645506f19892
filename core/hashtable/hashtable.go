// Package hashtable implements the per-vbucket locked-bucket chained hash
// table of StoredValue described in spec §3/§4.1. Each bucket owns its own
// mutex; all mutating operations lock exactly one bucket for the duration of
// a single key operation (the finest-grained lock in the engine's ordering,
// per spec §5).
package hashtable

import (
	"hash/fnv"
	"sync"

	"github.com/stevelittle/ep-engine/core/item"
)

const (
	// defaultBuckets is the initial bucket count; HashTable resizes
	// adaptively once load factor crosses loadFactorHigh.
	defaultBuckets  = 1024
	loadFactorHigh  = 1.5
	minBucketsAfter = 128

	// minEvictableValueSize is the small-representation floor below which
	// Evict refuses to run (original_source/ep.cc:816, "Can't eject: Dirty
	// or a small object."): a value smaller than this doesn't free
	// enough memory to be worth giving up its residency.
	minEvictableValueSize = 32
)

// MemoryChecker reports whether the engine currently has headroom to accept
// a new resident value. Passed in by the caller (the EP façade tracks global
// memory usage) rather than owned by the HashTable itself.
type MemoryChecker func() bool

// bucket is one slot of the hash table: its own lock plus its slice of keys.
type bucket struct {
	mu    sync.Mutex
	items map[string]*StoredValue
}

// HashTable is a striped, resizable hash table of StoredValue.
type HashTable struct {
	// resizeMu guards bucket-array swaps (resize); every single-key
	// operation holds resizeMu.RLock for its whole duration (see
	// lockedBucket), so a resize, which takes it for writing, waits for
	// in-flight key operations and blocks new ones until the rehash is done.
	// Visit and VisitSample only read the array under it.
	resizeMu sync.RWMutex
	buckets  []*bucket
	numItems int64 // approximate; maintained racily for load-factor decisions only

	casGen *item.CasGenerator
	memOK  MemoryChecker
}

// New creates a HashTable with defaultBuckets buckets.
func New(casGen *item.CasGenerator, memOK MemoryChecker) *HashTable {
	return NewWithBuckets(defaultBuckets, casGen, memOK)
}

// NewWithBuckets creates a HashTable with a specific initial bucket count
// (used by warmup, which sizes the table to the estimated item count up front).
func NewWithBuckets(n int, casGen *item.CasGenerator, memOK MemoryChecker) *HashTable {
	if n < 1 {
		n = defaultBuckets
	}
	buckets := make([]*bucket, n)
	for i := range buckets {
		buckets[i] = &bucket{items: make(map[string]*StoredValue)}
	}
	return &HashTable{buckets: buckets, casGen: casGen, memOK: memOK}
}

func bucketIndex(key string, n int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}

// lockedBucket returns the bucket for key, already locked. Callers must call
// the returned unlock function exactly once; resizeMu stays read-locked
// until then.
func (ht *HashTable) lockedBucket(key string) (*bucket, func()) {
	ht.resizeMu.RLock()
	b := ht.buckets[bucketIndex(key, len(ht.buckets))]
	b.mu.Lock()
	return b, func() {
		b.mu.Unlock()
		ht.resizeMu.RUnlock()
	}
}

// Find returns the StoredValue for key, or (nil, false) if absent. If
// wantDeleted is false, a tombstoned/temp entry is reported as absent.
func (ht *HashTable) Find(key string, wantDeleted bool) (*StoredValue, bool) {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok {
		return nil, false
	}
	if sv.Deleted && !wantDeleted {
		return nil, false
	}
	return sv, true
}

// Set applies a mutation to key, minting a fresh CAS on success.
//
//   - cas == 0 means "no CAS check" (a CAS=0 set on a missing key is treated
//     the same as WAS_CLEAN — it inserts, per spec §9's FALLTHROUGH note).
//   - allowExisting controls whether an existing, non-deleted value may be
//     overwritten at all; with allowExisting=false such a value is left
//     untouched and the call returns WAS_CLEAN. Add is a separate method and
//     does not go through Set.
//
// The needMetadata case: if the incoming item already carries non-zero
// Seqno/Cas metadata (a replica-side write) and the only existing entry is a
// temp placeholder, the metadata cannot be merged safely here — the caller
// must schedule a metadata BG fetch and retry.
func (ht *HashTable) Set(it item.Item, cas uint64, allowExisting bool, now uint32) (SetOutcome, *StoredValue) {
	b, unlock := ht.lockedBucket(it.Key)
	defer unlock()

	existing, ok := b.items[it.Key]

	if ok && existing.IsLocked(now) {
		return SetIsLocked, existing
	}

	if ok && existing.Temp && it.Seqno != 0 && it.Cas != 0 {
		return SetNeedMetadata, existing
	}

	if !ok || existing.Deleted {
		if cas != 0 {
			return SetInvalidCas, existing
		}
		if ht.memOK != nil && !ht.memOK() {
			return SetNoMem, existing
		}
		sv := &StoredValue{Item: it, Resident: true, Dirty: true, DataAge: now}
		sv.Item.Cas = ht.casGen.Next()
		b.items[it.Key] = sv
		if !ok {
			ht.numItems++
		}
		if ok {
			return SetWasDirty, sv
		}
		return SetWasClean, sv
	}

	if !allowExisting {
		return SetWasClean, existing
	}

	if cas != 0 && cas != existing.Item.Cas {
		return SetInvalidCas, existing
	}

	if ht.memOK != nil && !ht.memOK() {
		return SetNoMem, existing
	}

	wasDirty := existing.Dirty
	existing.Item.Value = it.Value
	existing.Item.Flags = it.Flags
	existing.Item.Expiry = it.Expiry
	existing.Item.Cas = ht.casGen.Next()
	existing.Resident = true
	existing.Dirty = true
	existing.Temp = false
	existing.DataAge = now

	if wasDirty {
		return SetWasDirty, existing
	}
	return SetWasClean, existing
}

// Add inserts a brand-new item, reviving a tombstone if one is present.
// A non-zero CAS on the incoming item is a caller contract violation (the
// façade must reject it before calling Add); Add itself never CAS-checks.
func (ht *HashTable) Add(it item.Item, now uint32) (AddOutcome, *StoredValue) {
	b, unlock := ht.lockedBucket(it.Key)
	defer unlock()

	existing, ok := b.items[it.Key]
	if ok && !existing.Deleted && !existing.Temp {
		return AddExists, existing
	}

	if ht.memOK != nil && !ht.memOK() {
		return AddNoMem, existing
	}

	wasUndel := ok && (existing.Deleted || existing.Temp)

	sv := &StoredValue{Item: it, Resident: true, Dirty: true, DataAge: now}
	sv.Item.Cas = ht.casGen.Next()
	b.items[it.Key] = sv
	if !ok {
		ht.numItems++
	}

	if wasUndel {
		return AddUndel, sv
	}
	return AddSuccess, sv
}

// SoftDelete marks an existing StoredValue deleted in place, preserving its
// metadata as a tombstone. Returns false if cas does not match or the key is
// locked.
func (ht *HashTable) SoftDelete(key string, cas uint64, seqno uint32, now uint32) (bool, *StoredValue) {
	b, unlock := ht.lockedBucket(key)
	defer unlock()

	sv, ok := b.items[key]
	if !ok || sv.Deleted {
		return false, sv
	}
	if sv.IsLocked(now) {
		return false, sv
	}
	if cas != 0 && cas != sv.Item.Cas {
		return false, sv
	}

	newCas := ht.casGen.Next()
	sv.markDeleted(newCas, seqno)
	sv.DataAge = now
	return true, sv
}

// Del physically removes key, whatever its state. The façade's lazy expiry
// check and the expiry pager use it to drop expired temp placeholders; the
// flusher removes a persisted tombstone through RemoveIfDeleted instead.
func (ht *HashTable) Del(key string) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	if _, ok := b.items[key]; !ok {
		return false
	}
	delete(b.items, key)
	ht.numItems--
	return true
}

// AddTempDeletedItem inserts a placeholder tombstone standing in for a key
// that is unknown or was previously deleted, with a bounded expiry window.
// Used before scheduling a metadata BG fetch (GetMetaData on a miss).
func (ht *HashTable) AddTempDeletedItem(key string, vbid uint16, now uint32, window uint32) *StoredValue {
	b, unlock := ht.lockedBucket(key)
	defer unlock()

	if sv, ok := b.items[key]; ok {
		return sv
	}

	sv := &StoredValue{
		Item:    item.Item{Key: key, VBID: vbid, RowID: item.NoRowID, Expiry: now + window},
		Temp:    true,
		Deleted: true,
		DataAge: now,
	}
	b.items[key] = sv
	ht.numItems++
	return sv
}

// Insert is the warmup-time and restore-time path: it installs a fully
// formed StoredValue (as read from the mutation log, the backing store
// key-dump, or an access-log replay) directly, bypassing CAS checks.
//
// If shouldEject is true and the memory checker reports no headroom, the
// value bytes are ejected immediately after insert (partial must then be
// false — metadata-only inserts have nothing to eject). Returns oom=true if
// the memory checker still reports no headroom after that ejection (the
// caller counts this as warmOOM per spec §4.5).
//
// If key is already present, Insert leaves it as it is, except that a
// resident, non-partial Insert fills in the value bytes of a present,
// non-deleted entry that has none (a key an earlier warmup stage loaded
// metadata-only). With shouldEject set and no headroom, those bytes are not
// installed and oom is true.
func (ht *HashTable) Insert(it item.Item, resident bool, shouldEject bool, partial bool) (oom bool) {
	b, unlock := ht.lockedBucket(it.Key)
	defer unlock()

	if cur, exists := b.items[it.Key]; exists {
		if !resident || partial || cur.Resident || cur.Deleted {
			return false
		}
		if shouldEject && ht.memOK != nil && !ht.memOK() {
			return true
		}
		cur.Item.Value = it.Value
		cur.Resident = true
		return false
	}

	sv := &StoredValue{
		Item:     it,
		Resident: resident && !partial,
		DataAge:  0,
	}
	b.items[it.Key] = sv
	ht.numItems++

	if shouldEject && ht.memOK != nil && !ht.memOK() && !partial {
		sv.Item.Value = nil
		sv.Resident = false
		if ht.memOK != nil && !ht.memOK() {
			return true
		}
	}
	return false
}

// RestoreValue completes an outstanding value BG fetch: if the value is
// still non-resident, the fetched bytes are installed and it becomes
// resident. A no-op if the value was concurrently mutated into residency
// already (the fetch result is simply discarded).
func (ht *HashTable) RestoreValue(key string, value []byte) {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok || sv.Resident {
		return
	}
	sv.Item.Value = value
	sv.Resident = true
}

// RestoreMeta completes an outstanding metadata BG fetch for a temp item,
// filling in the metadata fields the fetch returned and clearing the bounded
// temp expiry window.
func (ht *HashTable) RestoreMeta(key string, meta item.Item) {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok || !sv.Temp {
		return
	}
	sv.Item.Flags = meta.Flags
	sv.Item.Cas = meta.Cas
	sv.Item.Seqno = meta.Seqno
	sv.Item.RowID = meta.RowID
	sv.Item.Expiry = meta.Expiry
	sv.Deleted = meta.RowID == item.NoRowID
	sv.Temp = false
}

// GetLocked acquires an advisory per-key lock (memcached-style getl), minting
// a fresh CAS and setting LockExpiry = now + timeout. Fails if the key is
// missing, deleted, or already locked by someone else.
func (ht *HashTable) GetLocked(key string, now uint32, timeout uint32) (ok bool, sv *StoredValue) {
	b, unlock := ht.lockedBucket(key)
	defer unlock()

	cur, exists := b.items[key]
	if !exists || cur.Deleted {
		return false, nil
	}
	if cur.IsLocked(now) {
		return false, nil
	}
	cur.LockExpiry = now + timeout
	cur.Item.Cas = ht.casGen.Next()
	return true, cur
}

// UnlockKey releases an advisory lock if cas matches the lock-holder's CAS.
func (ht *HashTable) UnlockKey(key string, cas uint64, now uint32) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()

	sv, ok := b.items[key]
	if !ok || !sv.IsLocked(now) || sv.Item.Cas != cas {
		return false
	}
	sv.LockExpiry = 0
	return true
}

// Evict ejects a clean, resident value's bytes to reclaim memory, keeping
// its metadata resident. Fails for dirty values (they must be flushed
// first) unless force is set; force also marks the value clean. The
// flusher's post-persist eviction on replica/dead vbuckets calls it without
// force. Also fails for small-representation values: ejecting a value
// under minEvictableValueSize doesn't reclaim enough to be worth it, so
// force does not override this check.
func (ht *HashTable) Evict(key string, force bool) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()

	sv, ok := b.items[key]
	if !ok || !sv.Resident || sv.Item.RowID == item.NoRowID {
		return false
	}
	if len(sv.Item.Value) < minEvictableValueSize {
		return false
	}
	if sv.Dirty && !force {
		return false
	}
	sv.Item.Value = nil
	sv.Resident = false
	if force {
		sv.Dirty = false
	}
	return true
}

// SetPendingID marks key as having a persistence submission in flight (or
// clears that mark). Returns false if the key is no longer present.
func (ht *HashTable) SetPendingID(key string, pending bool) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok {
		return false
	}
	sv.PendingID = pending
	return true
}

// CompletePersistedSet applies the flusher's PersistenceCallback-on-set
// outcome: the assigned rowid is always written, but the value is marked
// clean only if its CAS still matches casAtSubmit (otherwise a concurrent
// mutation raced the flush and must stay dirty so it gets flushed again).
// Returns existed=false if the key vanished entirely (del raced the set).
func (ht *HashTable) CompletePersistedSet(key string, rowid int64, casAtSubmit uint64) (existed bool, casMatched bool) {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok {
		return false, false
	}
	sv.Item.RowID = rowid
	sv.PendingID = false
	if sv.Item.Cas == casAtSubmit {
		sv.Dirty = false
		return true, true
	}
	return true, false
}

// RemoveIfDeleted physically removes key only if it is still marked
// deleted, used once a tombstone's delete has been durably persisted.
func (ht *HashTable) RemoveIfDeleted(key string) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok || !sv.Deleted {
		return false
	}
	delete(b.items, key)
	ht.numItems--
	return true
}

// Redirty marks key dirty again (used when a persistence attempt is
// rejected and must be retried) and clears any in-flight pending marker.
func (ht *HashTable) Redirty(key string) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok {
		return false
	}
	sv.Dirty = true
	sv.PendingID = false
	return true
}

// ExpireToDelete converts a dirty, not-yet-persisted set into a delete
// tombstone when the item's lazy-expiry check fires before the set was ever
// flushed: the stale value is dropped and a fresh delete takes its place.
// The rowid is left untouched (a prior Set may already have an on-disk row
// that the resulting delete must still target; clearing it here would
// orphan that row) and the value is marked clean, since the pending
// mutation is now the delete the caller issues next, not a set still
// waiting on a flush. Returns false if the key is no longer present.
func (ht *HashTable) ExpireToDelete(key string) bool {
	b, unlock := ht.lockedBucket(key)
	defer unlock()
	sv, ok := b.items[key]
	if !ok {
		return false
	}
	sv.Item.Value = nil
	sv.Deleted = true
	sv.Dirty = false
	sv.PendingID = false
	return true
}

// InsertTombstone installs a deletion read back from persisted storage
// (mutation log replay), bypassing CAS checks. If the key is already
// present — a NEW record for the same key earlier in the same replay pass —
// it is overwritten in place rather than left stale, since a DEL record is
// always chronologically later than any NEW the log replays before it.
func (ht *HashTable) InsertTombstone(it item.Item) bool {
	b, unlock := ht.lockedBucket(it.Key)
	defer unlock()
	it.Value = nil
	if sv, exists := b.items[it.Key]; exists {
		sv.Item = it
		sv.Deleted = true
		sv.Resident = false
		sv.Temp = false
		sv.Dirty = false
		return true
	}
	b.items[it.Key] = &StoredValue{Item: it, Deleted: true}
	ht.numItems++
	return true
}

// Visit walks every bucket, invoking fn for each StoredValue under that
// bucket's lock. fn returning false stops the walk early.
func (ht *HashTable) Visit(fn func(*StoredValue) bool) {
	ht.resizeMu.RLock()
	buckets := ht.buckets
	ht.resizeMu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		cont := true
		for _, sv := range b.items {
			if !fn(sv) {
				cont = false
				break
			}
		}
		b.mu.Unlock()
		if !cont {
			return
		}
	}
}

// VisitSample walks up to maxBuckets buckets starting at a pseudo-random
// offset (startHash, typically derived from a counter or the clock by the
// caller) instead of the whole table, the same bounded-sampling approach
// the item pager uses to find eviction candidates without a full linear
// scan under memory pressure. fn returning false stops the walk early.
func (ht *HashTable) VisitSample(startHash uint64, maxBuckets int, fn func(*StoredValue) bool) {
	ht.resizeMu.RLock()
	buckets := ht.buckets
	ht.resizeMu.RUnlock()

	n := len(buckets)
	if n == 0 {
		return
	}
	if maxBuckets > n {
		maxBuckets = n
	}
	start := int(startHash % uint64(n))

	for i := 0; i < maxBuckets; i++ {
		b := buckets[(start+i)%n]
		b.mu.Lock()
		cont := true
		for _, sv := range b.items {
			if !fn(sv) {
				cont = false
				break
			}
		}
		b.mu.Unlock()
		if !cont {
			return
		}
	}
}

// Len returns the approximate number of entries (including tombstones),
// maintained without a dedicated lock and so only suitable for statistics
// and resize decisions, not exact accounting.
func (ht *HashTable) Len() int {
	return int(ht.numItems)
}

// NumBuckets returns the current bucket-array size.
func (ht *HashTable) NumBuckets() int {
	ht.resizeMu.RLock()
	defer ht.resizeMu.RUnlock()
	return len(ht.buckets)
}

// MaybeResize grows the bucket array if the load factor has crossed
// loadFactorHigh. This is the "stop-the-table" operation from spec §4.1:
// it holds resizeMu for writing for the whole rehash, blocking every other
// key operation in this HashTable for its duration.
func (ht *HashTable) MaybeResize() bool {
	ht.resizeMu.RLock()
	cur := len(ht.buckets)
	load := float64(ht.numItems) / float64(cur)
	ht.resizeMu.RUnlock()

	if load < loadFactorHigh {
		return false
	}
	ht.resize(cur * 2)
	return true
}

// resize rehashes every entry into a new bucket array of size n.
func (ht *HashTable) resize(n int) {
	if n < minBucketsAfter {
		n = minBucketsAfter
	}

	ht.resizeMu.Lock()
	defer ht.resizeMu.Unlock()

	newBuckets := make([]*bucket, n)
	for i := range newBuckets {
		newBuckets[i] = &bucket{items: make(map[string]*StoredValue)}
	}

	for _, b := range ht.buckets {
		for k, sv := range b.items {
			idx := bucketIndex(k, n)
			newBuckets[idx].items[k] = sv
		}
	}

	ht.buckets = newBuckets
}
