// Package ep implements the EventuallyPersistentStore façade from spec
// §4.2: the single entry point client operations go through, translating
// HashTable outcomes into engine-wide statuses, registering pending-vbucket
// waiters, and driving the background fetcher, warmup gate, and online
// restore coordinator that the lower layers don't know about each other.
package ep

import (
	"sync/atomic"

	"github.com/stevelittle/ep-engine/core/bgfetcher"
	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/hashtable"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
	"github.com/stevelittle/ep-engine/core/logging"
	"github.com/stevelittle/ep-engine/core/restore"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/stevelittle/ep-engine/core/vbucket"
)

var log = logging.Get("ep")

// Status is the error taxonomy returned to callers, spec §7.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotMyVBucket
	StatusKeyEnoent
	StatusKeyEexists
	StatusTmpFail
	StatusEWouldBlock
	StatusENoMem
	StatusDisconnect
	StatusNotStored
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotMyVBucket:
		return "NOT_MY_VBUCKET"
	case StatusKeyEnoent:
		return "KEY_ENOENT"
	case StatusKeyEexists:
		return "KEY_EEXISTS"
	case StatusTmpFail:
		return "TMPFAIL"
	case StatusEWouldBlock:
		return "EWOULDBLOCK"
	case StatusENoMem:
		return "ENOMEM"
	case StatusDisconnect:
		return "DISCONNECT"
	case StatusNotStored:
		return "NOT_STORED"
	default:
		return "UNKNOWN"
	}
}

// Cookie is the caller's suspension handle. A pending-vbucket or BG-fetch
// wait notifies it exactly once with the status the retried operation
// should be reported against.
type Cookie interface {
	Notify(Status)
}

// MetaData is the encoded result of GetMetaData: seqno/cas/flags/length plus
// a deleted-flag bit, per spec §4.2.
type MetaData struct {
	Seqno   uint32
	Cas     uint64
	Flags   uint32
	Length  int
	Deleted bool
}

// tmpItemExpiryWindow bounds the placeholder tombstone GetMetaData installs
// while a metadata BG fetch is outstanding.
const tmpItemExpiryWindow = 30

// Store is the EventuallyPersistentStore façade.
type Store struct {
	vbuckets *vbucket.Map
	store    kvstore.KVStore
	casGen   *item.CasGenerator
	cfg      *config.Manager
	stats    stats.Sink
	bgf      *bgfetcher.Fetcher
	restore  *restore.Coordinator
	now      func() uint32

	memUsed atomic.Int64
}

// New wires a Store from its already-constructed collaborators. now supplies
// unix-seconds wall-clock reads (tests substitute a fake clock).
func New(vbuckets *vbucket.Map, store kvstore.KVStore, casGen *item.CasGenerator, cfg *config.Manager, statsSink stats.Sink, bgf *bgfetcher.Fetcher, restoreCoord *restore.Coordinator, now func() uint32) *Store {
	return &Store{
		vbuckets: vbuckets,
		store:    store,
		casGen:   casGen,
		cfg:      cfg,
		stats:    statsSink,
		bgf:      bgf,
		restore:  restoreCoord,
		now:      now,
	}
}

// MemoryChecker adapts the Store's own byte accounting into the
// hashtable.MemoryChecker every vbucket's HashTable consults before
// accepting a new resident value.
func (s *Store) MemoryChecker() hashtable.MemoryChecker {
	return func() bool { return !s.aboveHighWater() }
}

func (s *Store) aboveLowWater() bool {
	c := s.cfg.Get()
	return s.memUsed.Load() > c.MaxDataSize*int64(c.MemLowWaterMarkPercent)/100
}

func (s *Store) aboveHighWater() bool {
	c := s.cfg.Get()
	return s.memUsed.Load() > c.MaxDataSize*int64(c.MemHighWaterMarkPercent)/100
}

// AboveLowWater is handed to core/workers.NewItemPager as its
// MemoryAboveLowWater callback.
func (s *Store) AboveLowWater() bool { return s.aboveLowWater() }

func (s *Store) addMem(delta int) {
	if delta == 0 {
		return
	}
	s.memUsed.Add(int64(delta))
}

// MemUsed reports the façade's current estimate of resident value bytes.
// Only mutations that flow through the façade adjust this counter; see
// the core/workers grounding note on ItemPager's direct HashTable.Evict
// calls for the one known gap.
func (s *Store) MemUsed() int64 { return s.memUsed.Load() }

// TapThrottled reports whether incoming TAP/replication backfill writes
// should be rejected: either the backfill/BG-fetch queue is over its
// configured cap, or the engine is already above its throttle memory
// threshold (spec.md's Non-goals exclude the TAP connection layer itself,
// but the underlying throttle decision is a core concern per SPEC_FULL §10).
func (s *Store) TapThrottled() bool {
	c := s.cfg.Get()
	if s.bgf != nil && s.bgf.QueueDepth() >= int64(c.TapThrottleQueueCap) {
		return true
	}
	return s.memUsed.Load() > c.MaxDataSize*int64(c.TapThrottleThresholdPercent)/100
}

// resolveVBucket looks up vbid and reports NOT_MY_VBUCKET for a missing or
// dead vbucket, or for a replica vbucket unless force is set.
func (s *Store) resolveVBucket(vbid uint16, force bool) (*vbucket.VBucket, Status, bool) {
	vb, ok := s.vbuckets.Get(vbid)
	if !ok || vb.State() == vbucket.StateDead {
		return nil, StatusNotMyVBucket, false
	}
	if vb.State() == vbucket.StateReplica && !force {
		return nil, StatusNotMyVBucket, false
	}
	return vb, StatusSuccess, true
}

// awaitPending registers cookie against vb if it is currently pending,
// returning true if the caller should stop and report EWOULDBLOCK. Notify
// wakes the cookie with SUCCESS purely as a "your vbucket is active now,
// resubmit" signal — it does not claim the original operation succeeded,
// since there is no mechanism here to replay an already-dispatched request
// automatically.
func (s *Store) awaitPending(vb *vbucket.VBucket, cookie Cookie) bool {
	if vb.State() != vbucket.StatePending {
		return false
	}
	if cookie == nil {
		return true
	}
	registered := vb.RegisterWaiter(vbucket.Waiter{Notify: func() { cookie.Notify(StatusSuccess) }})
	return registered
}

func (s *Store) queueSet(vb *vbucket.VBucket, key string, cas uint64, seqno uint32) {
	vb.Checkpoints.Queue(checkpoint.QueuedItem{Key: key, VBID: vb.ID(), VBVersion: vb.Version(), Op: checkpoint.OpSet, Cas: cas, Seqno: seqno})
}

func (s *Store) queueDel(vb *vbucket.VBucket, key string, cas uint64, seqno uint32) {
	vb.Checkpoints.Queue(checkpoint.QueuedItem{Key: key, VBID: vb.ID(), VBVersion: vb.Version(), Op: checkpoint.OpDel, Cas: cas, Seqno: seqno})
}

// Set installs it (create-or-overwrite, CAS-checked), gated by vbucket
// state, spec §4.2.
func (s *Store) Set(it item.Item, cookie Cookie, force bool) Status {
	vb, status, ok := s.resolveVBucket(it.VBID, force)
	if !ok {
		return status
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock
	}

	before := 0
	if sv, found := vb.HashTable.Find(it.Key, false); found {
		before = len(sv.Item.Value)
	}

	outcome, sv := vb.HashTable.Set(it, it.Cas, true, s.now())
	switch outcome {
	case hashtable.SetWasClean, hashtable.SetWasDirty:
		s.addMem(len(sv.Item.Value) - before)
		s.queueSet(vb, it.Key, sv.Item.Cas, sv.Item.Seqno)
		s.stats.Inc("ep.set_hits", 1)
		return StatusSuccess
	case hashtable.SetInvalidCas:
		s.stats.Inc("ep.set_cas_mismatches", 1)
		return StatusKeyEexists
	case hashtable.SetIsLocked:
		return StatusTmpFail
	case hashtable.SetNoMem:
		return StatusENoMem
	case hashtable.SetNeedMetadata:
		s.scheduleMetaFetch(vb, it.Key, cookie)
		return StatusEWouldBlock
	default:
		return StatusNotMyVBucket
	}
}

// Add inserts a brand-new item, reviving a tombstone if present. A non-zero
// CAS on the incoming item is rejected as NOT_STORED per spec §4.2 ("add
// with CAS ... forbidden").
func (s *Store) Add(it item.Item, cookie Cookie) Status {
	vb, status, ok := s.resolveVBucket(it.VBID, false)
	if !ok {
		return status
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock
	}
	if it.Cas != 0 {
		return StatusNotStored
	}

	outcome, sv := vb.HashTable.Add(it, s.now())
	switch outcome {
	case hashtable.AddSuccess, hashtable.AddUndel:
		s.addMem(len(sv.Item.Value))
		s.queueSet(vb, it.Key, sv.Item.Cas, sv.Item.Seqno)
		return StatusSuccess
	case hashtable.AddExists:
		return StatusNotStored
	case hashtable.AddNoMem:
		return StatusENoMem
	default:
		return StatusNotStored
	}
}

// fetchValidValue applies spec §4.2's lazy expiry sweep to sv, returning
// true if the value is still valid after the check. A present-but-expired
// non-deleted value is softDeleted (or physically dropped if it was only a
// temp placeholder) and a delete queued.
func (s *Store) fetchValidValue(vb *vbucket.VBucket, key string, sv *hashtable.StoredValue) bool {
	now := s.now()
	if sv.Deleted || !sv.Item.IsExpired(now) {
		return !sv.Deleted
	}
	if sv.Temp {
		vb.HashTable.Del(key)
		return false
	}
	freed := len(sv.Item.Value)
	if ok, deleted := vb.HashTable.SoftDelete(key, 0, 0, now); ok {
		s.addMem(-freed)
		s.queueDel(vb, key, deleted.Item.Cas, deleted.Item.Seqno)
	}
	return false
}

// Get fetches key's value. If the value is non-resident, it optionally
// schedules a BG fetch and returns EWOULDBLOCK. honorStates=false lets a
// replica vbucket serve the read; a dead vbucket is refused either way (the
// flusher's own reads never call Get).
func (s *Store) Get(key string, vbid uint16, cookie Cookie, queueBG bool, honorStates bool) (Status, item.Item) {
	vb, status, ok := s.resolveVBucket(vbid, !honorStates)
	if !ok {
		return status, item.Item{}
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock, item.Item{}
	}

	sv, found := vb.HashTable.Find(key, true)
	if !found {
		s.stats.Inc("ep.get_misses", 1)
		return StatusKeyEnoent, item.Item{}
	}
	if !s.fetchValidValue(vb, key, sv) {
		s.stats.Inc("ep.get_misses", 1)
		return StatusKeyEnoent, item.Item{}
	}
	if !sv.Resident {
		if queueBG && s.bgf != nil {
			s.scheduleValueFetch(vb, key, sv.Item.RowID, cookie)
		}
		return StatusEWouldBlock, item.Item{}
	}
	s.stats.Inc("ep.get_hits", 1)
	return StatusSuccess, sv.Item
}

func (s *Store) scheduleValueFetch(vb *vbucket.VBucket, key string, rowid int64, cookie Cookie) {
	s.bgf.ScheduleValueFetch(vb.ID(), vb.Version(), key, rowid, func(st bgfetcher.Status) {
		if cookie == nil {
			return
		}
		switch st {
		case bgfetcher.StatusSuccess:
			cookie.Notify(StatusSuccess)
		case bgfetcher.StatusKeyEnoent:
			cookie.Notify(StatusKeyEnoent)
		default:
			cookie.Notify(StatusTmpFail)
		}
	})
}

func (s *Store) scheduleMetaFetch(vb *vbucket.VBucket, key string, cookie Cookie) {
	if s.bgf == nil {
		return
	}
	s.bgf.ScheduleMetaFetch(vb.ID(), vb.Version(), key, func(st bgfetcher.Status) {
		if cookie == nil {
			return
		}
		switch st {
		case bgfetcher.StatusSuccess:
			cookie.Notify(StatusSuccess)
		case bgfetcher.StatusKeyEnoent:
			cookie.Notify(StatusKeyEnoent)
		default:
			cookie.Notify(StatusTmpFail)
		}
	})
}

// GetMetaData returns key's encoded metadata. On a miss, it installs a temp
// deleted placeholder and schedules a metadata BG fetch, returning
// EWOULDBLOCK per spec §4.2.
func (s *Store) GetMetaData(key string, vbid uint16, cookie Cookie) (Status, MetaData) {
	vb, status, ok := s.resolveVBucket(vbid, false)
	if !ok {
		return status, MetaData{}
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock, MetaData{}
	}

	sv, found := vb.HashTable.Find(key, true)
	if !found {
		vb.HashTable.AddTempDeletedItem(key, vbid, s.now(), tmpItemExpiryWindow)
		s.scheduleMetaFetch(vb, key, cookie)
		return StatusEWouldBlock, MetaData{}
	}
	if sv.Temp {
		s.scheduleMetaFetch(vb, key, cookie)
		return StatusEWouldBlock, MetaData{}
	}
	return StatusSuccess, MetaData{
		Seqno:   sv.Item.Seqno,
		Cas:     sv.Item.Cas,
		Flags:   sv.Item.Flags,
		Length:  len(sv.Item.Value),
		Deleted: sv.Deleted,
	}
}

// GetLocked acquires an advisory lock on key, minting a fresh CAS. As in Get,
// a missing, deleted or expired key returns KEY_ENOENT and a non-resident
// value schedules a BG fetch and returns EWOULDBLOCK; a key that is already
// locked returns TMPFAIL.
func (s *Store) GetLocked(key string, vbid uint16, now uint32, timeout uint32, cookie Cookie) (Status, item.Item) {
	vb, status, ok := s.resolveVBucket(vbid, false)
	if !ok {
		return status, item.Item{}
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock, item.Item{}
	}

	if sv, found := vb.HashTable.Find(key, false); found {
		if !s.fetchValidValue(vb, key, sv) {
			return StatusKeyEnoent, item.Item{}
		}
		if !sv.Resident {
			if s.bgf != nil {
				s.scheduleValueFetch(vb, key, sv.Item.RowID, cookie)
			}
			return StatusEWouldBlock, item.Item{}
		}
	}

	locked, sv := vb.HashTable.GetLocked(key, now, timeout)
	if !locked {
		if _, found := vb.HashTable.Find(key, false); !found {
			return StatusKeyEnoent, item.Item{}
		}
		return StatusTmpFail, item.Item{}
	}
	return StatusSuccess, sv.Item
}

// UnlockKey releases an advisory lock only if it is currently locked and cas
// matches.
func (s *Store) UnlockKey(key string, vbid uint16, cas uint64, now uint32) Status {
	vb, status, ok := s.resolveVBucket(vbid, false)
	if !ok {
		return status
	}
	if !vb.HashTable.UnlockKey(key, cas, now) {
		return StatusTmpFail
	}
	return StatusSuccess
}

// GetAndUpdateTtl fetches key and, on success, updates its expiry in place,
// queuing the metadata change for persistence.
func (s *Store) GetAndUpdateTtl(key string, vbid uint16, newExpiry uint32, cookie Cookie) (Status, item.Item) {
	vb, status, ok := s.resolveVBucket(vbid, false)
	if !ok {
		return status, item.Item{}
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock, item.Item{}
	}

	sv, found := vb.HashTable.Find(key, true)
	if !found || !s.fetchValidValue(vb, key, sv) {
		return StatusKeyEnoent, item.Item{}
	}
	if !sv.Resident {
		s.scheduleValueFetch(vb, key, sv.Item.RowID, cookie)
		return StatusEWouldBlock, item.Item{}
	}

	updated := sv.Item
	updated.Expiry = newExpiry
	outcome, newSv := vb.HashTable.Set(updated, sv.Item.Cas, true, s.now())
	if outcome != hashtable.SetWasClean && outcome != hashtable.SetWasDirty {
		return StatusTmpFail, item.Item{}
	}
	s.queueSet(vb, key, newSv.Item.Cas, newSv.Item.Seqno)
	return StatusSuccess, newSv.Item
}

// SetWithMeta installs it unconditionally, skipping the CAS check ordinary
// Set applies — the caller (replication ingestion) already resolved
// conflicts upstream and supplies the winning CAS/seqno itself.
func (s *Store) SetWithMeta(it item.Item, cookie Cookie) Status {
	vb, status, ok := s.resolveVBucket(it.VBID, true)
	if !ok {
		return status
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock
	}

	before := 0
	if sv, found := vb.HashTable.Find(it.Key, false); found {
		before = len(sv.Item.Value)
	}

	outcome, sv := vb.HashTable.Set(it, 0, true, s.now())
	switch outcome {
	case hashtable.SetWasClean, hashtable.SetWasDirty:
		s.addMem(len(sv.Item.Value) - before)
		s.queueSet(vb, it.Key, sv.Item.Cas, sv.Item.Seqno)
		return StatusSuccess
	case hashtable.SetNoMem:
		return StatusENoMem
	case hashtable.SetIsLocked:
		return StatusTmpFail
	default:
		return StatusNotStored
	}
}

// AddTAPBackfillItem queues it directly onto the vbucket's backfill queue
// for the flusher to persist without a HashTable round trip, deduping
// against an already-dirty entry carrying the same seqno (a retransmit of a
// record already in flight). Rejected with TMPFAIL while the engine is
// throttling incoming replication traffic.
func (s *Store) AddTAPBackfillItem(it item.Item) Status {
	if s.TapThrottled() {
		return StatusTmpFail
	}
	vb, status, ok := s.resolveVBucket(it.VBID, true)
	if !ok {
		return status
	}
	if sv, found := vb.HashTable.Find(it.Key, true); found && sv.Dirty && sv.Item.Seqno == it.Seqno {
		return StatusSuccess
	}
	vb.QueueBackfill(it)
	return StatusSuccess
}

// DeleteItem soft-deletes key. If the key is not found locally and the
// engine is in online-restore degraded mode, the delete is still recorded
// (restore.itemsDeleted) so a later restore-stream insert for this key is
// suppressed, spec §4.2/§4.8.
func (s *Store) DeleteItem(key string, vbid uint16, cas uint64, seqno uint32, cookie Cookie, force bool) Status {
	vb, status, ok := s.resolveVBucket(vbid, force)
	if !ok {
		return status
	}
	if s.awaitPending(vb, cookie) {
		return StatusEWouldBlock
	}

	sv, found := vb.HashTable.Find(key, false)
	if !found {
		if s.restore != nil {
			s.restore.NoteClientDelete(vbid, key)
		}
		return StatusKeyEnoent
	}

	freed := len(sv.Item.Value)
	deleteOK, deleted := vb.HashTable.SoftDelete(key, cas, seqno, s.now())
	if !deleteOK {
		if sv.IsLocked(s.now()) {
			return StatusTmpFail
		}
		return StatusKeyEexists
	}
	s.addMem(-freed)
	s.queueDel(vb, key, deleted.Item.Cas, deleted.Item.Seqno)
	s.stats.Inc("ep.delete_hits", 1)
	return StatusSuccess
}

// EvictKey ejects a clean resident value's bytes, freeing memory while
// keeping its metadata resident. Fails for a dirty value unless force is
// set; force may also mark the value clean.
func (s *Store) EvictKey(key string, vbid uint16, force bool) Status {
	vb, status, ok := s.resolveVBucket(vbid, true)
	if !ok {
		return status
	}
	sv, found := vb.HashTable.Find(key, false)
	if !found {
		return StatusKeyEnoent
	}
	freed := len(sv.Item.Value)
	if !vb.HashTable.Evict(key, force) {
		return StatusTmpFail
	}
	s.addMem(-freed)
	return StatusSuccess
}

// SetVBucketState creates or transitions vbid, notifying any pending-op
// waiters if the transition lands on active.
func (s *Store) SetVBucketState(vbid uint16, state vbucket.State) {
	s.vbuckets.SetVBucketState(vbid, state, s.casGen, s.MemoryChecker())
}

// DeleteVBucket drops vbid's on-disk rows and removes it from the map.
func (s *Store) DeleteVBucket(vbid uint16, totalRows int64) bool {
	vb, ok := s.vbuckets.Get(vbid)
	if !ok {
		return false
	}
	c := s.cfg.Get()
	if !vbucket.ScheduleDeletion(s.store, vb, totalRows, c.VBChunkDelTimeMillis, vbucket.DefaultChunkClock()) {
		return false
	}
	s.vbuckets.DeleteVBucket(vbid)
	return true
}

// ResetVBucket bumps vbid's version and clears its in-memory state without
// removing it from the vbucket map.
func (s *Store) ResetVBucket(vbid uint16) bool {
	return s.vbuckets.ResetVBucket(vbid, s.casGen, s.MemoryChecker())
}

// Reset removes every vbucket from the map, dropping all in-memory state,
// and zeroes the memory counter. It queues no flush-all item on any
// checkpoint manager; the on-disk reset happens only through a separate
// Flusher.RequestFlushAll call.
func (s *Store) Reset() {
	s.vbuckets.Reset()
	s.memUsed.Store(0)
	log.Infof("engine reset: all in-memory vbuckets cleared")
}
