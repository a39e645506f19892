package pebblekv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pebbledb")
	s, err := Open(dir, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetThenGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := item.Item{Key: "foo", VBID: 3, Value: []byte("bar"), Flags: 7, Cas: 42, RowID: item.NoRowID}

	var gotRowID int64
	s.Set(ctx, it, 0, func(ok bool, assignedRowid int64) {
		if !ok {
			t.Fatalf("Set failed")
		}
		gotRowID = assignedRowid
	})
	if gotRowID < 0 {
		t.Fatalf("expected non-negative rowid, got %d", gotRowID)
	}

	var gotVal []byte
	var gotMeta item.Item
	var found bool
	s.Get(ctx, "foo", gotRowID, 3, 0, false, func(ok bool, val []byte, meta item.Item) {
		found = ok
		gotVal = val
		gotMeta = meta
	})
	if !found {
		t.Fatalf("expected item to be found")
	}
	if string(gotVal) != "bar" {
		t.Fatalf("expected value bar, got %q", gotVal)
	}
	if gotMeta.Flags != 7 || gotMeta.Cas != 42 {
		t.Fatalf("unexpected metadata: %+v", gotMeta)
	}
}

func TestGetPartialOmitsValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := item.Item{Key: "k", VBID: 0, Value: []byte("value-bytes"), RowID: item.NoRowID}
	var rowid int64
	s.Set(ctx, it, 0, func(ok bool, assigned int64) { rowid = assigned })

	var gotVal []byte
	s.Get(ctx, "k", rowid, 0, 0, true, func(ok bool, val []byte, meta item.Item) {
		gotVal = val
	})
	if gotVal != nil {
		t.Fatalf("expected nil value for partial get, got %v", gotVal)
	}
}

func TestDelRemovesItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := item.Item{Key: "gone", VBID: 1, Value: []byte("x"), RowID: item.NoRowID}
	var rowid int64
	s.Set(ctx, it, 0, func(ok bool, assigned int64) { rowid = assigned })

	var affected int
	s.Del(ctx, it, rowid, 0, func(rowsAffected int) { affected = rowsAffected })
	if affected != 1 {
		t.Fatalf("expected 1 row affected, got %d", affected)
	}

	var found bool
	s.Get(ctx, "gone", rowid, 1, 0, false, func(ok bool, val []byte, meta item.Item) { found = ok })
	if found {
		t.Fatalf("expected item to be gone after delete")
	}
}

func TestDelVBucketRemovesOnlyThatVBucket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var r0, r1 int64
	s.Set(ctx, item.Item{Key: "a", VBID: 0, RowID: item.NoRowID}, 0, func(ok bool, rid int64) { r0 = rid })
	s.Set(ctx, item.Item{Key: "b", VBID: 1, RowID: item.NoRowID}, 0, func(ok bool, rid int64) { r1 = rid })

	if !s.DelVBucket(0, 0, nil) {
		t.Fatalf("DelVBucket failed")
	}

	var found0, found1 bool
	s.Get(ctx, "a", r0, 0, 0, false, func(ok bool, val []byte, meta item.Item) { found0 = ok })
	s.Get(ctx, "b", r1, 1, 0, false, func(ok bool, val []byte, meta item.Item) { found1 = ok })
	if found0 {
		t.Fatalf("expected vbucket 0 to be cleared")
	}
	if !found1 {
		t.Fatalf("expected vbucket 1 to be untouched")
	}
}

func TestSnapshotAndListPersistedVbuckets(t *testing.T) {
	s := openTestStore(t)

	states := map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot{
		{VBID: 5, VBVer: 1}: {State: "active", CheckpointID: 9, MaxDeletedSeqno: 2},
	}
	if !s.SnapshotVBuckets(states) {
		t.Fatalf("SnapshotVBuckets failed")
	}

	got := s.ListPersistedVbuckets()
	snap, ok := got[kvstore.VBucketKey{VBID: 5, VBVer: 1}]
	if !ok {
		t.Fatalf("expected persisted vbucket 5/1")
	}
	if snap.State != "active" || snap.CheckpointID != 9 || snap.MaxDeletedSeqno != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestBeginCommitTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var rowid int64
	s.Set(ctx, item.Item{Key: "txn", VBID: 0, Value: []byte("v"), RowID: item.NoRowID}, 0, func(ok bool, rid int64) { rowid = rid })

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var found bool
	s.Get(ctx, "txn", rowid, 0, 0, false, func(ok bool, val []byte, meta item.Item) { found = ok })
	if !found {
		t.Fatalf("expected committed item to be visible")
	}
}

func TestDumpVisitsEveryItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Set(ctx, item.Item{Key: "a", VBID: 0, Value: []byte("1"), RowID: item.NoRowID}, 0, func(ok bool, rid int64) {})
	s.Set(ctx, item.Item{Key: "b", VBID: 0, Value: []byte("2"), RowID: item.NoRowID}, 0, func(ok bool, rid int64) {})

	count := 0
	err := s.Dump(func(it item.Item, val []byte) bool {
		count++
		return true
	})
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 items dumped, got %d", count)
	}
}

func TestShardIDIsStableAndBounded(t *testing.T) {
	s := openTestStore(t)
	qi := checkpoint.QueuedItem{Key: "x", VBID: 7}
	id := s.ShardID(qi)
	if id < 0 || id >= s.NumShards() {
		t.Fatalf("shard id %d out of range [0,%d)", id, s.NumShards())
	}
	if s.ShardID(qi) != id {
		t.Fatalf("ShardID should be stable for the same item")
	}
}

func TestOptimizeWritesGroupsByShard(t *testing.T) {
	s := openTestStore(t)
	items := []checkpoint.QueuedItem{
		{Key: "z", VBID: 3},
		{Key: "a", VBID: 0},
		{Key: "m", VBID: 3},
		{Key: "b", VBID: 0},
	}
	out := s.OptimizeWrites(items)
	if len(out) != len(items) {
		t.Fatalf("expected same length, got %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if s.ShardID(out[i-1]) > s.ShardID(out[i]) {
			t.Fatalf("expected shard-ascending order, got %+v", out)
		}
	}
}
