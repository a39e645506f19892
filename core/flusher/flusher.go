// Package flusher implements the Flusher and TransactionContext from spec
// §4.3: a single-threaded loop draining every vbucket's checkpoint,
// backfill, and restore queues into shard-partitioned persistence batches,
// committed to the backing KVStore in bounded transactions bracketed by
// mutation-log COMMIT1/COMMIT2 records.
package flusher

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/dispatcher"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
	"github.com/stevelittle/ep-engine/core/logging"
	"github.com/stevelittle/ep-engine/core/mlog"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/stevelittle/ep-engine/core/vbucket"
)

var log = logging.Get("flusher")

// idlePass is how long the flusher snoozes after every pass.
// RequestFlushAll does not trigger a pass of its own: it only sets a flag
// that the next pass reads.
const idlePass = 250 * time.Millisecond

// MutationLog is the subset of *mlog.Log the flusher needs, broken out as
// an interface so tests can substitute an in-memory recorder instead of a
// real file.
type MutationLog interface {
	Append(r mlog.Record) error
}

// HighPrioritySnapshotChecker reports whether a high-priority vbucket-state
// snapshot is currently scheduled for vbid; flushOneDelOrSet requeues dirty
// data for that vbucket until the snapshot has gone through, so state is
// always durable before data referencing the new version (spec §4.3/§4.6).
type HighPrioritySnapshotChecker func(vbid uint16) bool

// MemoryPressureChecker reports whether the engine is currently above its
// low-water mark, the trigger for opportunistic post-persist eviction on
// replica/dead vbuckets.
type MemoryPressureChecker func() bool

// workItem is one entry of the `writing` queue. Direct is non-nil for
// backfill/restore-sourced entries, which carry their own full Item and so
// bypass the HashTable re-read flushOneDelOrSet otherwise performs.
type workItem struct {
	Op        checkpoint.Op
	VBID      uint16
	VBVersion uint16
	Key       string
	Direct    *item.Item
}

// Flusher is the process-wide persistence loop.
type Flusher struct {
	vbuckets *vbucket.Map
	store    kvstore.KVStore
	mlog     MutationLog
	cfg      *config.Manager
	stats    stats.Sink
	disp     *dispatcher.Dispatcher

	highPrioritySnapshot HighPrioritySnapshotChecker
	memHigh              MemoryPressureChecker

	mu                       sync.Mutex
	writing                  []workItem
	rejectQueue              []workItem
	persistenceCheckpointIDs map[uint16]uint64
	lastKnownState           map[uint16]vbucket.State

	flushAllRequested atomic.Bool

	txn *transactionContext

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Flusher. Call Start to begin running it on disp.
func New(vbuckets *vbucket.Map, store kvstore.KVStore, mlogFile MutationLog, cfg *config.Manager, statsSink stats.Sink, disp *dispatcher.Dispatcher) *Flusher {
	f := &Flusher{
		vbuckets:                 vbuckets,
		store:                    store,
		mlog:                     mlogFile,
		cfg:                      cfg,
		stats:                    statsSink,
		disp:                     disp,
		persistenceCheckpointIDs: make(map[uint16]uint64),
		lastKnownState:           make(map[uint16]vbucket.State),
		stopCh:                   make(chan struct{}),
	}
	f.txn = newTransactionContext(store, mlogFile, cfg.Get().MaxTxnSize)
	cfg.Subscribe(txnSizeListener{f})
	return f
}

type txnSizeListener struct{ f *Flusher }

func (l txnSizeListener) OnConfigChange(cfg config.Config) {
	l.f.txn.setMaxTxnSize(cfg.MaxTxnSize)
}

// SetHighPrioritySnapshotChecker wires the callback consulted before
// persisting dirty data for a vbucket with a pending high-priority snapshot.
func (f *Flusher) SetHighPrioritySnapshotChecker(c HighPrioritySnapshotChecker) {
	f.highPrioritySnapshot = c
}

// SetMemoryPressureChecker wires the callback consulted for post-persist
// eviction on replica/dead vbuckets.
func (f *Flusher) SetMemoryPressureChecker(c MemoryPressureChecker) {
	f.memHigh = c
}

// Start schedules the flusher's loop on its dispatcher, running
// immediately and then re-scheduling itself every idlePass.
func (f *Flusher) Start() dispatcher.Handle {
	return f.disp.Schedule(f.runPass, dispatcher.PriorityHigh, 0)
}

// Stop halts the loop after its current pass finishes.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// RequestFlushAll asks the next pass to reset the backing store and record
// a DEL_ALL for every vbucket ahead of all other queued work.
func (f *Flusher) RequestFlushAll() {
	f.flushAllRequested.Store(true)
}

func (f *Flusher) runPass(ctx context.Context) dispatcher.Result {
	select {
	case <-f.stopCh:
		return dispatcher.Done
	default:
	}

	f.beginFlush()
	f.flushSome(ctx)
	f.completeFlush()

	return dispatcher.Snooze(idlePass)
}

// beginFlush builds one `writing` queue: restore/backfill items (applied
// directly, bypassing the HashTable), then every vbucket's dirty checkpoint
// items partitioned by shard and locality-optimized per shard, then the
// rejection queue from the previous pass prepended to the head, then a
// flush-all marker prepended ahead of everything if one was requested.
func (f *Flusher) beginFlush() {
	var direct []workItem
	var allQueued []checkpoint.QueuedItem

	f.vbuckets.Visit(func(vb *vbucket.VBucket) bool {
		if vb.State() == vbucket.StateDead {
			return true
		}
		vbid, vbver := vb.ID(), vb.Version()

		f.refreshPersistedState(vb)

		restoreItems := vb.DrainRestoreItems()
		backfillItems := vb.DrainBackfill()
		for _, it := range restoreItems {
			it := it
			direct = append(direct, workItem{Op: checkpoint.OpSet, VBID: vbid, VBVersion: vbver, Key: it.Key, Direct: &it})
		}
		for _, it := range backfillItems {
			it := it
			direct = append(direct, workItem{Op: checkpoint.OpSet, VBID: vbid, VBVersion: vbver, Key: it.Key, Direct: &it})
		}

		items, checkpointID := vb.Checkpoints.DrainForFlush()
		if len(items) > 0 {
			f.mu.Lock()
			f.persistenceCheckpointIDs[vbid] = checkpointID
			f.mu.Unlock()
			allQueued = append(allQueued, items...)
		}
		return true
	})

	shards := make(map[int][]checkpoint.QueuedItem)
	for _, qi := range allQueued {
		sid := f.store.ShardID(qi)
		shards[sid] = append(shards[sid], qi)
	}
	shardIDs := make([]int, 0, len(shards))
	for sid := range shards {
		shardIDs = append(shardIDs, sid)
	}
	sort.Ints(shardIDs)

	ordered := make([]workItem, 0, len(allQueued))
	for _, sid := range shardIDs {
		for _, qi := range f.store.OptimizeWrites(shards[sid]) {
			ordered = append(ordered, workItem{Op: qi.Op, VBID: qi.VBID, VBVersion: qi.VBVersion, Key: qi.Key})
		}
	}

	writing := append(direct, ordered...)

	f.mu.Lock()
	if len(f.rejectQueue) > 0 {
		writing = append(f.rejectQueue, writing...)
		f.rejectQueue = nil
	}
	if f.flushAllRequested.Swap(false) {
		writing = append([]workItem{{Op: checkpoint.OpFlushAll}}, writing...)
	}
	f.writing = writing
	f.mu.Unlock()
}

// refreshPersistedState calls VBStateChanged on the KVStore exactly once
// per vbucket state transition observed across passes.
func (f *Flusher) refreshPersistedState(vb *vbucket.VBucket) {
	cur := vb.State()

	f.mu.Lock()
	last, seen := f.lastKnownState[vb.ID()]
	stale := !seen || last != cur
	if stale {
		f.lastKnownState[vb.ID()] = cur
	}
	f.mu.Unlock()

	if stale {
		f.store.VBStateChanged(vb.ID(), cur.String())
	}
}

// flushSome drains `writing` until empty or preempted, returning how many
// entries it processed.
func (f *Flusher) flushSome(ctx context.Context) int {
	n := 0
	for {
		f.mu.Lock()
		if len(f.writing) == 0 {
			f.mu.Unlock()
			return n
		}
		w := f.writing[0]
		f.writing = f.writing[1:]
		f.mu.Unlock()

		if f.shouldPreemptFlush(n) {
			f.mu.Lock()
			f.writing = append([]workItem{w}, f.writing...)
			f.mu.Unlock()
			return n
		}

		f.flushOne(w)
		n++
	}
}

// shouldPreemptFlush reports whether the current batch should stop early. It
// returns true only once Stop has been called. The unprocessed entries stay
// in `writing`; runPass still calls completeFlush, which commits the
// submissions already made, and a stopped Flusher runs no further pass.
func (f *Flusher) shouldPreemptFlush(n int) bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

// completeFlush commits any partially filled transaction, then records
// every vbucket's drained checkpoint id as durably persisted now that this
// pass's writes have all reached the backing store.
func (f *Flusher) completeFlush() {
	f.txn.flushRemaining()
	f.finalizePersistedCheckpoints()
}

// finalizePersistedCheckpoints drains persistenceCheckpointIDs, feeding
// each vbucket's newly-persisted checkpoint id back into its
// CheckpointManager (unblocking ReapClosed) and its VBucket (read back by
// the vbucket snapshotter when it writes the persisted state map).
func (f *Flusher) finalizePersistedCheckpoints() {
	f.mu.Lock()
	ids := f.persistenceCheckpointIDs
	f.persistenceCheckpointIDs = make(map[uint16]uint64)
	f.mu.Unlock()

	for vbid, id := range ids {
		vb, ok := f.vbuckets.Get(vbid)
		if !ok {
			continue
		}
		vb.Checkpoints.SetPersisted(id)
		vb.SetPersistedCheckpoint(id, 0)
	}
}

func (f *Flusher) pushReject(w workItem) {
	f.mu.Lock()
	f.rejectQueue = append(f.rejectQueue, w)
	f.mu.Unlock()
}

func (f *Flusher) flushOne(w workItem) {
	switch w.Op {
	case checkpoint.OpFlushAll:
		f.flushOneDeleteAll()
	case checkpoint.OpCommit:
		f.txn.commitNow()
	case checkpoint.OpSet:
		if w.Direct != nil {
			f.applyDirect(w)
			return
		}
		f.flushOneDelOrSet(w)
	case checkpoint.OpDel:
		if w.Direct != nil {
			f.applyDirect(w)
			return
		}
		f.flushOneDelOrSet(w)
	}
}

// flushOneDeleteAll resets the backing store and records a DEL_ALL per
// vbucket in the mutation log, as its own mini-transaction.
func (f *Flusher) flushOneDeleteAll() {
	_ = f.mlog.Append(mlog.Commit1Entry())
	if err := f.store.Reset(); err != nil {
		log.Errorf("flush-all: store reset failed: %v", err)
		return
	}
	f.vbuckets.Visit(func(vb *vbucket.VBucket) bool {
		_ = f.mlog.Append(mlog.DelAllEntry(vb.ID()))
		return true
	})
	_ = f.mlog.Append(mlog.Commit2Entry())
	f.stats.Inc("flusher.flush_all", 1)
}

// applyDirect persists a restore/backfill-sourced item without consulting
// the HashTable, since these entries are not necessarily hashtable-resident.
func (f *Flusher) applyDirect(w workItem) {
	vb, ok := f.vbuckets.Get(w.VBID)
	if !ok || w.Direct == nil {
		return
	}
	it := *w.Direct

	f.txn.ensureOpen()
	f.store.Set(context.Background(), it, vb.Version(), func(ok bool, assignedRowid int64) {
		if ok && assignedRowid > 0 {
			_ = f.mlog.Append(mlog.NewEntry(w.VBID, it.Key, assignedRowid))
			f.stats.Inc("flusher.sets", 1)
		} else {
			log.Warningf("direct persist failed for vbucket %d key %s", w.VBID, it.Key)
		}
		f.txn.noteSubmission()
	})
}

// flushOneDelOrSet re-reads the current StoredValue and decides what to
// persist, exactly per spec §4.3.
func (f *Flusher) flushOneDelOrSet(w workItem) {
	vb, ok := f.vbuckets.Get(w.VBID)
	if !ok {
		return
	}
	if w.Op == checkpoint.OpSet && w.VBVersion != vb.Version() {
		return
	}

	sv, ok := vb.HashTable.Find(w.Key, true)
	if !ok {
		return
	}

	now := uint32(time.Now().Unix())
	cfg := f.cfg.Get()

	if sv.Dirty && !sv.Deleted && sv.Item.Expiry != item.NoExpiry &&
		sv.Item.Expiry <= now+uint32(cfg.ExpiryWindow.Seconds()) {
		vb.HashTable.ExpireToDelete(w.Key)
		sv, ok = vb.HashTable.Find(w.Key, true)
		if !ok {
			return
		}
	}

	if sv.Dirty && !sv.Deleted {
		if f.highPrioritySnapshot != nil && f.highPrioritySnapshot(vb.ID()) {
			f.pushReject(w)
			return
		}
		if now-sv.DataAge < uint32(cfg.MinDataAge.Seconds()) {
			f.pushReject(w)
			return
		}
		if sv.Item.RowID == item.NoRowID {
			vb.HashTable.SetPendingID(w.Key, true)
		}

		it := sv.Item
		casAtSubmit := it.Cas
		vbver := vb.Version()

		f.txn.ensureOpen()
		f.store.Set(context.Background(), it, vbver, func(ok bool, assignedRowid int64) {
			f.onSetPersisted(vb, w.Key, casAtSubmit, ok, assignedRowid)
		})
		return
	}

	if sv.Deleted && (sv.Item.RowID != item.NoRowID || sv.Temp) {
		it := sv.Item
		rowid := it.RowID
		vbver := vb.Version()

		f.txn.ensureOpen()
		f.store.Del(context.Background(), it, rowid, vbver, func(rowsAffected int) {
			f.onDelPersisted(vb, w.Key, rowsAffected)
		})
		return
	}
}

func (f *Flusher) onSetPersisted(vb *vbucket.VBucket, key string, casAtSubmit uint64, ok bool, rowid int64) {
	defer f.txn.noteSubmission()

	if ok && rowid > 0 {
		_ = f.mlog.Append(mlog.NewEntry(vb.ID(), key, rowid))
		existed, casMatched := vb.HashTable.CompletePersistedSet(key, rowid, casAtSubmit)
		if existed && !casMatched {
			log.Warningf("set persisted for vbucket %d key %s but cas changed since submit; rowid written, item stays dirty", vb.ID(), key)
		}
		f.maybeEvictReplica(vb, key)
		f.stats.Inc("flusher.sets", 1)
		return
	}

	log.Warningf("persistence callback reported no rows updated for vbucket %d key %s", vb.ID(), key)
	if _, stillExists := vb.HashTable.Find(key, true); !stillExists {
		return
	}
	vb.HashTable.Redirty(key)
	f.pushReject(workItem{Op: checkpoint.OpSet, VBID: vb.ID(), VBVersion: vb.Version(), Key: key})
}

func (f *Flusher) onDelPersisted(vb *vbucket.VBucket, key string, rowsAffected int) {
	defer f.txn.noteSubmission()

	if rowsAffected == 1 {
		_ = f.mlog.Append(mlog.DelEntry(vb.ID(), key))
		f.stats.Inc("flusher.deletes", 1)
		if vb.Degraded() {
			vb.RestoreDelete(key)
		} else {
			vb.HashTable.RemoveIfDeleted(key)
		}
		return
	}

	vb.HashTable.Redirty(key)
	f.pushReject(workItem{Op: checkpoint.OpDel, VBID: vb.ID(), VBVersion: vb.Version(), Key: key})
}

// maybeEvictReplica implements the post-persist eviction path: a
// replica/dead vbucket's just-cleaned value is ejected from memory once the
// engine is above its low-water mark. The original's additional condition
// ("checkpoint cursor has already passed the key") has no analog in this
// engine's FIFO, cursor-free CheckpointManager and is treated as always
// satisfied for an item that has just been drained and persisted.
func (f *Flusher) maybeEvictReplica(vb *vbucket.VBucket, key string) {
	if f.memHigh == nil || !f.memHigh() {
		return
	}
	switch vb.State() {
	case vbucket.StateReplica, vbucket.StateDead:
		vb.HashTable.Evict(key, false)
	}
}
