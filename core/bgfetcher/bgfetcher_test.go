package bgfetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/dispatcher"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/stevelittle/ep-engine/core/vbucket"
)

type fakeStore struct {
	mu       sync.Mutex
	getHit   bool
	getValue []byte
	keys     []item.Item
}

func (s *fakeStore) StorageProperties() kvstore.StorageProperties { return kvstore.StorageProperties{} }
func (s *fakeStore) Get(ctx context.Context, key string, rowid int64, vbid, vbver uint16, partial bool, cb kvstore.GetCallback) {
	s.mu.Lock()
	hit, val := s.getHit, s.getValue
	s.mu.Unlock()
	if !hit {
		cb(false, nil, item.Item{})
		return
	}
	cb(true, val, item.Item{Key: key, VBID: vbid})
}
func (s *fakeStore) Set(ctx context.Context, it item.Item, vbver uint16, cb kvstore.SetCallback) {
	cb(true, 1)
}
func (s *fakeStore) Del(ctx context.Context, it item.Item, rowid int64, vbver uint16, cb kvstore.DelCallback) {
	cb(1)
}
func (s *fakeStore) DelVBucket(vbid, vbver uint16, rowRange *kvstore.RowRange) bool { return true }
func (s *fakeStore) Reset() error                                                  { return nil }
func (s *fakeStore) SnapshotVBuckets(states map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot) bool {
	return true
}
func (s *fakeStore) ListPersistedVbuckets() map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot {
	return nil
}
func (s *fakeStore) Dump(cb kvstore.DumpCallback) error { return nil }
func (s *fakeStore) DumpKeys(vbids []uint16, cb kvstore.DumpKeysCallback) error {
	s.mu.Lock()
	keys := append([]item.Item(nil), s.keys...)
	s.mu.Unlock()
	for _, it := range keys {
		if !cb(it) {
			break
		}
	}
	return nil
}
func (s *fakeStore) Warmup(accessLog string, states map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot, loadCb kvstore.WarmupLoadCallback, estimateCb kvstore.WarmupEstimateCallback) (int64, error) {
	return 0, nil
}
func (s *fakeStore) NumShards() int                                              { return 1 }
func (s *fakeStore) ShardID(it checkpoint.QueuedItem) int                        { return 0 }
func (s *fakeStore) OptimizeWrites(items []checkpoint.QueuedItem) []checkpoint.QueuedItem {
	return items
}
func (s *fakeStore) Begin() error                        { return nil }
func (s *fakeStore) Commit() error                        { return nil }
func (s *fakeStore) VBStateChanged(vbid uint16, state string) {}
func (s *fakeStore) SetVBBatchCount(n int)                     {}

func newTestFetcher(t *testing.T, store *fakeStore) (*Fetcher, *vbucket.Map) {
	t.Helper()
	vbs := vbucket.NewMap()
	cfg := config.NewManager(config.Default())
	statsReg := stats.NewRegistry(stats.BackendGoMetrics)
	disp := dispatcher.New("test-bgfetcher")
	t.Cleanup(disp.Stop)

	return New(vbs, store, cfg, statsReg, disp), vbs
}

func TestScheduleValueFetchHydratesNonResidentValue(t *testing.T) {
	store := &fakeStore{getHit: true, getValue: []byte("hydrated")}
	f, vbs := newTestFetcher(t, store)

	var casGen item.CasGenerator
	vb := vbs.SetVBucketState(0, vbucket.StateActive, &casGen, func() bool { return true })
	vb.HashTable.Insert(item.Item{Key: "k", VBID: 0, RowID: 5}, false, false, false)

	done := make(chan Status, 1)
	f.ScheduleValueFetch(0, vb.Version(), "k", 5, func(s Status) { done <- s })

	select {
	case s := <-done:
		if s != StatusSuccess {
			t.Fatalf("expected success, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not complete in time")
	}

	sv, ok := vb.HashTable.Find("k", true)
	if !ok || !sv.Resident {
		t.Fatalf("expected value to be resident after fetch")
	}
	if string(sv.Item.Value) != "hydrated" {
		t.Fatalf("expected hydrated value, got %q", sv.Item.Value)
	}
}

func TestScheduleValueFetchMissReportsKeyEnoent(t *testing.T) {
	store := &fakeStore{getHit: false}
	f, vbs := newTestFetcher(t, store)

	var casGen item.CasGenerator
	vbs.SetVBucketState(1, vbucket.StateActive, &casGen, func() bool { return true })

	done := make(chan Status, 1)
	f.ScheduleValueFetch(1, 0, "missing", 9, func(s Status) { done <- s })

	select {
	case s := <-done:
		if s != StatusKeyEnoent {
			t.Fatalf("expected key enoent, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not complete in time")
	}
}

func TestScheduleMetaFetchCompletesTempPlaceholder(t *testing.T) {
	store := &fakeStore{keys: []item.Item{{Key: "temp-key", VBID: 2, RowID: 11, Flags: 3, Cas: 99}}}
	f, vbs := newTestFetcher(t, store)

	var casGen item.CasGenerator
	vb := vbs.SetVBucketState(2, vbucket.StateActive, &casGen, func() bool { return true })
	vb.HashTable.AddTempDeletedItem("temp-key", 2, 0, 30)

	done := make(chan Status, 1)
	f.ScheduleMetaFetch(2, vb.Version(), "temp-key", func(s Status) { done <- s })

	select {
	case s := <-done:
		if s != StatusSuccess {
			t.Fatalf("expected success, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not complete in time")
	}

	sv, ok := vb.HashTable.Find("temp-key", true)
	if !ok {
		t.Fatalf("expected temp placeholder to still exist")
	}
	if sv.Temp {
		t.Fatalf("expected temp flag to be cleared after meta fetch")
	}
	if sv.Item.RowID != 11 || sv.Item.Flags != 3 {
		t.Fatalf("expected metadata to be filled in, got %+v", sv.Item)
	}
}

func TestQueueDepthTracksOutstandingFetches(t *testing.T) {
	store := &fakeStore{getHit: true, getValue: []byte("v")}
	f, vbs := newTestFetcher(t, store)
	f.cfg.Update(func(c *config.Config) { c.BGFetchDelay = 200 * time.Millisecond })

	var casGen item.CasGenerator
	vb := vbs.SetVBucketState(3, vbucket.StateActive, &casGen, func() bool { return true })
	vb.HashTable.Insert(item.Item{Key: "k", VBID: 3, RowID: 1}, false, false, false)

	done := make(chan Status, 1)
	f.ScheduleValueFetch(3, vb.Version(), "k", 1, func(s Status) { done <- s })

	time.Sleep(20 * time.Millisecond)
	if f.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1 while fetch is delayed, got %d", f.QueueDepth())
	}

	<-done
	if f.QueueDepth() != 0 {
		t.Fatalf("expected queue depth 0 after fetch completes, got %d", f.QueueDepth())
	}
}
