// Package restore implements the online-restore / degraded-mode stream
// ingestion from spec §4.8: toggling a vbucket's degraded flag, applying
// streamed backup records into the live HashTable without clobbering
// anything live traffic already overrode, and handing the per-vbucket
// restore.items batch to the flusher alongside checkpoint and backfill
// items. The restore.items/restore.itemsDeleted bookkeeping itself lives
// on core/vbucket.VBucket, guarded by the vbucket's own mutex — this
// package is the stream-facing coordinator that drives those primitives.
package restore

import (
	"fmt"

	"github.com/stevelittle/ep-engine/core/hashtable"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/logging"
	"github.com/stevelittle/ep-engine/core/vbucket"
)

var log = logging.Get("restore")

// Op is the kind of record a restore stream carries for a given key.
type Op int

const (
	OpSet Op = iota
	OpDelete
)

// Coordinator drives degraded-mode restore for a vbucket map.
type Coordinator struct {
	vbuckets *vbucket.Map
	memOK    hashtable.MemoryChecker
	now      func() uint32
}

// New creates a Coordinator. now supplies the current unix-seconds time,
// used for the expiry window on soft-deletes applied from a restore delete.
func New(vbuckets *vbucket.Map, memOK hashtable.MemoryChecker, now func() uint32) *Coordinator {
	return &Coordinator{vbuckets: vbuckets, memOK: memOK, now: now}
}

// EnterDegraded puts vbid into degraded mode. While degraded, the engine
// refuses full service for most operations (spec §7: TMPFAIL) and accepts
// streamed backup records via RestoreRecord instead.
func (c *Coordinator) EnterDegraded(vbid uint16) error {
	vb, ok := c.vbuckets.Get(vbid)
	if !ok {
		return fmt.Errorf("restore: no such vbucket %d", vbid)
	}
	vb.SetDegraded(true)
	log.Infof("vbucket %d entering degraded mode for online restore", vbid)
	return nil
}

// LeaveDegraded ends the restore stream for vbid, clearing
// restore.itemsDeleted per spec §4.8.
func (c *Coordinator) LeaveDegraded(vbid uint16) error {
	vb, ok := c.vbuckets.Get(vbid)
	if !ok {
		return fmt.Errorf("restore: no such vbucket %d", vbid)
	}
	vb.SetDegraded(false)
	log.Infof("vbucket %d leaving degraded mode", vbid)
	return nil
}

// RestoreRecord applies one streamed backup record for it.VBID. The
// HashTable write is skipped when a dirty StoredValue already sits at that
// key — live traffic landed during the restore window and wins over stale
// backup history — but the record is still folded into the per-vbucket
// restore batch, consulted by RestoreItem to suppress a stale insert that
// arrives after a later restore delete for the same key. Returns false if
// the vbucket is unknown or not currently degraded.
func (c *Coordinator) RestoreRecord(it item.Item, op Op) bool {
	vb, ok := c.vbuckets.Get(it.VBID)
	if !ok || !vb.Degraded() {
		return false
	}

	switch op {
	case OpDelete:
		if sv, found := vb.HashTable.Find(it.Key, false); found && !sv.Dirty {
			vb.HashTable.SoftDelete(it.Key, 0, it.Seqno, c.now())
		}
		vb.RestoreDelete(it.Key)
	case OpSet:
		if sv, found := vb.HashTable.Find(it.Key, true); !found || !sv.Dirty {
			vb.HashTable.Insert(it, true, true, false)
		}
		vb.RestoreItem(it)
	}
	return true
}

// NoteClientDelete is called from the live delete path when a key was not
// found locally but its vbucket is degraded: the deletion is recorded so a
// backup record streamed later in the same restore does not resurrect the
// key (spec: "records the key in restore.itemsDeleted so future
// restore-stream insertions for this key are suppressed").
func (c *Coordinator) NoteClientDelete(vbid uint16, key string) {
	vb, ok := c.vbuckets.Get(vbid)
	if !ok || !vb.Degraded() {
		return
	}
	vb.RestoreDelete(key)
}

// Degraded reports whether vbid is currently accepting a restore stream.
func (c *Coordinator) Degraded(vbid uint16) bool {
	vb, ok := c.vbuckets.Get(vbid)
	return ok && vb.Degraded()
}
