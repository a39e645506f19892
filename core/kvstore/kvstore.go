// Package kvstore defines the pluggable backing-store contract used by the
// flusher, warmup and vbucket-deletion paths (spec §6). The core never
// assumes a concrete storage engine; core/kvstore/pebblekv is one concrete
// implementation, backed by github.com/cockroachdb/pebble.
package kvstore

import (
	"context"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/item"
)

// StorageProperties describes what a KVStore implementation supports, so
// callers (chiefly vbucket deletion and the flusher's shard partitioning)
// can pick the cheapest available strategy.
type StorageProperties struct {
	MaxConcurrency         int
	MaxReaders             int
	MaxWriters             int
	HasEfficientVBDeletion bool
	IsKeyDumpSupported     bool
}

// VBucketKey identifies a vbucket at a specific version, the unit persisted
// state and deletion operate on (a version bump invalidates any in-flight
// work tagged with the old version).
type VBucketKey struct {
	VBID  uint16
	VBVer uint16
}

// VBucketStateSnapshot is the persisted record of one vbucket's durable
// state, written by the vbucket snapshotter and read back during warmup.
type VBucketStateSnapshot struct {
	State           string
	CheckpointID    uint64
	MaxDeletedSeqno uint32
}

// RowRange bounds a chunked vbucket deletion (spec §4.6): [Start, End) over
// the backing store's per-vbucket rowid ordering.
type RowRange struct {
	Start int64
	End   int64
}

// GetCallback receives the result of a Get: ok is false on a miss or error.
// meta is always populated on ok; val is nil when the caller asked for a
// metadata-only (partial) fetch.
type GetCallback func(ok bool, val []byte, meta item.Item)

// SetCallback receives the result of a Set: the assigned rowid is only
// meaningful when ok is true.
type SetCallback func(ok bool, assignedRowid int64)

// DelCallback receives the number of rows the delete affected: -1 signals
// an error, 0 means the key was already absent, 1 means it was removed.
type DelCallback func(rowsAffected int)

// DumpCallback is invoked once per record during a full dump; returning
// false stops the enumeration early.
type DumpCallback func(it item.Item, val []byte) bool

// DumpKeysCallback is invoked once per key during a key-only dump.
type DumpKeysCallback func(it item.Item) bool

// WarmupLoadCallback installs one record into the in-memory HashTable
// during warmup; partial indicates a metadata-only (KeyDump) load.
type WarmupLoadCallback func(it item.Item, val []byte, partial bool) bool

// WarmupEstimateCallback reports the estimated item count for a vbucket,
// used by the EstimateDatabaseItemCount warmup step to size HashTables.
type WarmupEstimateCallback func(vbid uint16, estimatedCount int64)

// KVStore is the backing-store contract every core component talks to.
// Get/Set/Del are callback-style rather than returning values directly so
// implementations backed by asynchronous I/O can defer the callback to
// their own completion queue; the synchronous pebble-backed implementation
// simply invokes the callback before returning.
type KVStore interface {
	StorageProperties() StorageProperties

	Get(ctx context.Context, key string, rowid int64, vbid, vbver uint16, partial bool, cb GetCallback)
	Set(ctx context.Context, it item.Item, vbver uint16, cb SetCallback)
	Del(ctx context.Context, it item.Item, rowid int64, vbver uint16, cb DelCallback)

	DelVBucket(vbid, vbver uint16, rowRange *RowRange) bool
	Reset() error

	SnapshotVBuckets(states map[VBucketKey]VBucketStateSnapshot) bool
	ListPersistedVbuckets() map[VBucketKey]VBucketStateSnapshot

	Dump(cb DumpCallback) error
	DumpKeys(vbids []uint16, cb DumpKeysCallback) error

	Warmup(accessLog string, states map[VBucketKey]VBucketStateSnapshot, loadCb WarmupLoadCallback, estimateCb WarmupEstimateCallback) (itemsLoaded int64, err error)

	NumShards() int
	ShardID(it checkpoint.QueuedItem) int
	OptimizeWrites(items []checkpoint.QueuedItem) []checkpoint.QueuedItem

	Begin() error
	Commit() error

	VBStateChanged(vbid uint16, state string)
	SetVBBatchCount(n int)
}
