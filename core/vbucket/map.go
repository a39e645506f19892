package vbucket

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stevelittle/ep-engine/core/hashtable"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
)

// Map is the concurrent vbid -> VBucket mapping (spec §3: "VBucketMap owns
// VBuckets by shared ownership; a caller holds a handle whose lifetime >=
// any operation using it"). Lookups are lock-free reads against the
// underlying concurrent map; only add/remove go through vbsetMutex.
type Map struct {
	vbsetMutex sync.Mutex
	buckets    *xsync.MapOf[uint16, *VBucket]
}

// NewMap creates an empty VBucketMap.
func NewMap() *Map {
	return &Map{buckets: xsync.NewMapOf[uint16, *VBucket]()}
}

// Get returns the VBucket for vbid, or (nil, false) if it does not exist.
func (m *Map) Get(vbid uint16) (*VBucket, bool) {
	return m.buckets.Load(vbid)
}

// SetVBucketState creates vbid in the given state if it does not exist, or
// transitions the existing one. Mutates under vbsetMutex per spec §5's
// locking order.
func (m *Map) SetVBucketState(vbid uint16, state State, casGen *item.CasGenerator, memOK hashtable.MemoryChecker) *VBucket {
	m.vbsetMutex.Lock()
	defer m.vbsetMutex.Unlock()

	vb, ok := m.buckets.Load(vbid)
	if !ok {
		vb = New(vbid, state, casGen, memOK)
		m.buckets.Store(vbid, vb)
		return vb
	}
	vb.SetState(state)
	return vb
}

// DeleteVBucket removes vbid from the map entirely (Store.DeleteVBucket
// calls it once ScheduleDeletion has returned true).
func (m *Map) DeleteVBucket(vbid uint16) {
	m.vbsetMutex.Lock()
	defer m.vbsetMutex.Unlock()
	m.buckets.Delete(vbid)
}

// ResetVBucket bumps vbid's version and clears its in-memory state without
// removing it from the map.
func (m *Map) ResetVBucket(vbid uint16, casGen *item.CasGenerator, memOK hashtable.MemoryChecker) bool {
	m.vbsetMutex.Lock()
	defer m.vbsetMutex.Unlock()
	vb, ok := m.buckets.Load(vbid)
	if !ok {
		return false
	}
	vb.Reset(casGen, memOK)
	return true
}

// Reset removes every vbucket from the map (spec §4.2's engine-wide
// reset()). It does not touch the disk; a disk flush-all is a separate call.
func (m *Map) Reset() {
	m.vbsetMutex.Lock()
	defer m.vbsetMutex.Unlock()
	m.buckets.Range(func(vbid uint16, _ *VBucket) bool {
		m.buckets.Delete(vbid)
		return true
	})
}

// Visit calls fn for every vbucket currently in the map. fn returning false
// stops the walk.
func (m *Map) Visit(fn func(*VBucket) bool) {
	m.buckets.Range(func(_ uint16, vb *VBucket) bool {
		return fn(vb)
	})
}

// Len reports how many vbuckets are currently mapped.
func (m *Map) Len() int {
	return m.buckets.Size()
}

const (
	minChunkRows     = 100
	defaultChunkRows = 1000
	retryBackoff     = 5 * time.Millisecond
)

// ChunkClock supplies the wall-clock hooks ScheduleDeletion needs to time
// each chunk without importing a global time source into the package: real
// callers pass time.Now/time.Since, tests pass a fake clock.
type ChunkClock struct {
	Now   func() time.Time
	Since func(time.Time) time.Duration
}

// DefaultChunkClock uses the real wall clock.
func DefaultChunkClock() ChunkClock {
	return ChunkClock{Now: time.Now, Since: time.Since}
}

// ScheduleDeletion drops vbid's on-disk rows; it does not remove vb from
// the Map (Store.DeleteVBucket does that on success). It selects the fast path (a single delVBucket call) when
// the store reports HasEfficientVBDeletion, otherwise a chunked path that
// ranges the rowids in bounded windows up to totalRows, adaptively
// rescaling the window size against chunkTimeBudgetMillis (spec §4.6).
//
// Returns false without taking any action if a deletion is already in
// progress for this vbucket.
func ScheduleDeletion(store kvstore.KVStore, vb *VBucket, totalRows int64, chunkTimeBudgetMillis int64, clock ChunkClock) bool {
	if !vb.TryBeginDeletion() {
		return false
	}
	defer vb.FinishDeletion()

	vbid := vb.id
	vbver := vb.Version()

	if store.StorageProperties().HasEfficientVBDeletion {
		return retryUntilSuccess(func() bool {
			return store.DelVBucket(vbid, vbver, nil)
		})
	}

	chunk := int64(defaultChunkRows)
	var start int64

	for start < totalRows {
		end := start + chunk
		if end > totalRows {
			end = totalRows
		}
		rr := kvstore.RowRange{Start: start, End: end}

		begin := clock.Now()
		ok := retryUntilSuccess(func() bool {
			return store.DelVBucket(vbid, vbver, &rr)
		})
		if !ok {
			return false
		}
		elapsed := clock.Since(begin).Milliseconds()

		if elapsed > 0 && chunkTimeBudgetMillis > 0 {
			rescaled := chunk * chunkTimeBudgetMillis / elapsed
			if rescaled < minChunkRows {
				rescaled = minChunkRows
			}
			chunk = rescaled
		}

		start = end
	}

	return true
}

func retryUntilSuccess(fn func() bool) bool {
	for {
		if fn() {
			return true
		}
		time.Sleep(retryBackoff)
	}
}
