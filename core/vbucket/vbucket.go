// Package vbucket implements the VBucket and VBucketMap described in spec
// §3/§4.6: each vbucket is an independently-stateful shard owning a
// HashTable, a CheckpointManager, a backfill queue and a wait list of
// pending-op cookies.
package vbucket

import (
	"sync"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/hashtable"
	"github.com/stevelittle/ep-engine/core/item"
)

// State is one of the four vbucket lifecycle states.
type State int

const (
	StateActive State = iota
	StateReplica
	StatePending
	StateDead
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReplica:
		return "replica"
	case StatePending:
		return "pending"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Waiter is a registered pending-op cookie, notified exactly once when the
// vbucket it is waiting on transitions to active. The core/ep façade is the
// only caller that constructs these; vbucket itself only tracks and fires
// the callback, keeping this package free of any dependency on ep.Cookie.
type Waiter struct {
	Notify func()
}

// VBucket is one shard of the keyspace.
type VBucket struct {
	mu sync.Mutex

	id           uint16
	state        State
	initialState State
	version      uint16

	deletionInProgress bool

	HashTable   *hashtable.HashTable
	Checkpoints *checkpoint.Manager

	backfill []item.Item
	waitlist []Waiter

	degraded       bool
	restoreItems   map[string]item.Item
	restoreDeleted map[string]struct{}

	checkpointID    uint64
	maxDeletedSeqno uint32
}

// New creates a VBucket in the given initial state with a fresh HashTable
// and CheckpointManager.
func New(id uint16, state State, casGen *item.CasGenerator, memOK hashtable.MemoryChecker) *VBucket {
	return &VBucket{
		id:             id,
		state:          state,
		initialState:   state,
		HashTable:      hashtable.New(casGen, memOK),
		Checkpoints:    checkpoint.New(),
		restoreItems:   make(map[string]item.Item),
		restoreDeleted: make(map[string]struct{}),
	}
}

func (vb *VBucket) ID() uint16 { return vb.id }

func (vb *VBucket) State() State {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.state
}

func (vb *VBucket) Version() uint16 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.version
}

// SetState transitions the vbucket to s. Transitioning into active fires and
// clears every registered waiter (spec §5: "on pending -> active, all
// registered cookies are notified exactly once").
func (vb *VBucket) SetState(s State) {
	vb.mu.Lock()
	becameActive := s == StateActive && vb.state != StateActive
	vb.state = s
	var toNotify []Waiter
	if becameActive {
		toNotify = vb.waitlist
		vb.waitlist = nil
	}
	vb.mu.Unlock()

	for _, w := range toNotify {
		w.Notify()
	}
}

// RegisterWaiter adds w to the wait list if the vbucket is not already
// active, returning false (and not registering) if it is — the caller
// should proceed immediately in that case rather than wait forever.
func (vb *VBucket) RegisterWaiter(w Waiter) bool {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.state == StateActive {
		return false
	}
	vb.waitlist = append(vb.waitlist, w)
	return true
}

// Reset bumps the vbucket version and replaces the HashTable and
// CheckpointManager with fresh ones, discarding all in-memory state. Any
// work already queued against the old version (e.g. a set sitting in
// `writing`) is tagged with the pre-reset version and the flusher drops it
// on a version mismatch (spec §8 scenario 6).
func (vb *VBucket) Reset(casGen *item.CasGenerator, memOK hashtable.MemoryChecker) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.version++
	vb.HashTable = hashtable.New(casGen, memOK)
	vb.Checkpoints = checkpoint.New()
	vb.backfill = nil
	vb.waitlist = nil
	vb.restoreItems = make(map[string]item.Item)
	vb.restoreDeleted = make(map[string]struct{})
	vb.checkpointID = 0
	vb.maxDeletedSeqno = 0
}

// TryBeginDeletion sets the deletion-in-progress flag if it was not already
// set, returning whether the caller now owns the deletion. Mutually
// excludes concurrent ScheduleDeletion calls against the same vbucket.
func (vb *VBucket) TryBeginDeletion() bool {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.deletionInProgress {
		return false
	}
	vb.deletionInProgress = true
	return true
}

// FinishDeletion clears the deletion-in-progress flag.
func (vb *VBucket) FinishDeletion() {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.deletionInProgress = false
}

// QueueBackfill appends an item to the TAP backfill queue, drained by the
// flusher alongside checkpoint and restore items.
func (vb *VBucket) QueueBackfill(it item.Item) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.backfill = append(vb.backfill, it)
}

// DrainBackfill removes and returns every currently queued backfill item.
func (vb *VBucket) DrainBackfill() []item.Item {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	items := vb.backfill
	vb.backfill = nil
	return items
}

// SetDegraded toggles restore/degraded mode. Leaving degraded mode clears
// restoreDeleted per spec §4.8.
func (vb *VBucket) SetDegraded(on bool) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.degraded = on
	if !on {
		vb.restoreDeleted = make(map[string]struct{})
	}
}

func (vb *VBucket) Degraded() bool {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.degraded
}

// RestoreItem records a streamed backup record into restore.items, unless
// the key was already tombstoned by a later restore delete (spec §4.8:
// "a set consulted by subsequent restore inserts to suppress resurrection").
func (vb *VBucket) RestoreItem(it item.Item) bool {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if _, deleted := vb.restoreDeleted[it.Key]; deleted {
		return false
	}
	vb.restoreItems[it.Key] = it
	return true
}

// RestoreDelete records a restore-stream delete, adding the key to
// restoreDeleted and dropping any pending restore.items entry for it.
func (vb *VBucket) RestoreDelete(key string) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.restoreDeleted[key] = struct{}{}
	delete(vb.restoreItems, key)
}

// DrainRestoreItems removes and returns every currently queued restore item.
func (vb *VBucket) DrainRestoreItems() []item.Item {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	items := make([]item.Item, 0, len(vb.restoreItems))
	for _, it := range vb.restoreItems {
		items = append(items, it)
	}
	vb.restoreItems = make(map[string]item.Item)
	return items
}

// SetPersistedCheckpoint records the highest persisted checkpoint id and
// max-deleted-seqno, as loaded from or written to the persisted vbucket
// state snapshot (spec §6).
func (vb *VBucket) SetPersistedCheckpoint(checkpointID uint64, maxDeletedSeqno uint32) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.checkpointID = checkpointID
	if maxDeletedSeqno > vb.maxDeletedSeqno {
		vb.maxDeletedSeqno = maxDeletedSeqno
	}
}

func (vb *VBucket) PersistedCheckpoint() (checkpointID uint64, maxDeletedSeqno uint32) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.checkpointID, vb.maxDeletedSeqno
}
