package warmup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stevelittle/ep-engine/core/checkpoint"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
	"github.com/stevelittle/ep-engine/core/mlog"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/stevelittle/ep-engine/core/vbucket"
)

type fakeStore struct {
	mu                sync.Mutex
	persisted         map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot
	keys              []item.Item
	warmupItems       []item.Item
	keyDumpSupported  bool
	getValues         map[string][]byte
}

func (s *fakeStore) StorageProperties() kvstore.StorageProperties {
	return kvstore.StorageProperties{IsKeyDumpSupported: s.keyDumpSupported}
}
func (s *fakeStore) Get(ctx context.Context, key string, rowid int64, vbid, vbver uint16, partial bool, cb kvstore.GetCallback) {
	s.mu.Lock()
	val, ok := s.getValues[key]
	s.mu.Unlock()
	if !ok {
		cb(false, nil, item.Item{})
		return
	}
	cb(true, val, item.Item{Key: key, VBID: vbid, RowID: 1})
}
func (s *fakeStore) Set(ctx context.Context, it item.Item, vbver uint16, cb kvstore.SetCallback) { cb(true, 1) }
func (s *fakeStore) Del(ctx context.Context, it item.Item, rowid int64, vbver uint16, cb kvstore.DelCallback) {
	cb(1)
}
func (s *fakeStore) DelVBucket(vbid, vbver uint16, rowRange *kvstore.RowRange) bool { return true }
func (s *fakeStore) Reset() error                                                  { return nil }
func (s *fakeStore) SnapshotVBuckets(states map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot) bool {
	return true
}
func (s *fakeStore) ListPersistedVbuckets() map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot {
	return s.persisted
}
func (s *fakeStore) Dump(cb kvstore.DumpCallback) error { return nil }
func (s *fakeStore) DumpKeys(vbids []uint16, cb kvstore.DumpKeysCallback) error {
	want := map[uint16]bool{}
	for _, v := range vbids {
		want[v] = true
	}
	for _, it := range s.keys {
		if len(vbids) > 0 && !want[it.VBID] {
			continue
		}
		if !cb(it) {
			break
		}
	}
	return nil
}
func (s *fakeStore) Warmup(accessLog string, states map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot, loadCb kvstore.WarmupLoadCallback, estimateCb kvstore.WarmupEstimateCallback) (int64, error) {
	var n int64
	for _, it := range s.warmupItems {
		if !loadCb(it, it.Value, false) {
			break
		}
		n++
	}
	return n, nil
}
func (s *fakeStore) NumShards() int                                        { return 1 }
func (s *fakeStore) ShardID(it checkpoint.QueuedItem) int                  { return 0 }
func (s *fakeStore) OptimizeWrites(items []checkpoint.QueuedItem) []checkpoint.QueuedItem {
	return items
}
func (s *fakeStore) Begin() error                              { return nil }
func (s *fakeStore) Commit() error                              { return nil }
func (s *fakeStore) VBStateChanged(vbid uint16, state string) {}
func (s *fakeStore) SetVBBatchCount(n int)                     {}

func newTestMachine(t *testing.T, store *fakeStore) (*Machine, *vbucket.Map) {
	t.Helper()
	vbs := vbucket.NewMap()
	cfg := config.NewManager(config.Default())
	statsReg := stats.NewRegistry(stats.BackendGoMetrics)
	var casGen item.CasGenerator

	dir := t.TempDir()
	m := New(vbs, store, filepath.Join(dir, "mlog"), mlog.Config{}, filepath.Join(dir, "access.log"), cfg, statsReg, &casGen, func() bool { return true })
	return m, vbs
}

func TestRunVisitsStatesInLegalSequenceAndTerminatesInDone(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestMachine(t, store)

	var visited []State
	for m.State() != Done {
		from := m.State()
		next, err := m.Step(context.Background())
		if err != nil {
			t.Fatalf("step from %s failed: %v", from, err)
		}
		if !isLegalTransition(from, next) {
			t.Fatalf("illegal transition %s -> %s", from, next)
		}
		visited = append(visited, next)
		if len(visited) > 20 {
			t.Fatalf("warmup did not converge, visited: %v", visited)
		}
	}
	if visited[len(visited)-1] != Done {
		t.Fatalf("expected machine to terminate in Done, last state: %v", visited)
	}
}

func TestEmptyMutationLogFallsBackToEstimate(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestMachine(t, store)

	if _, err := m.Step(context.Background()); err != nil { // Initialize -> LoadingMutationLog
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := m.Step(context.Background()) // LoadingMutationLog -> ?
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != EstimateDatabaseItemCount {
		t.Fatalf("expected fallback to EstimateDatabaseItemCount for a missing log, got %s", next)
	}
}

func TestNonEmptyMutationLogRehydratesRowIDsAndGoesToAccessLog(t *testing.T) {
	store := &fakeStore{}
	m, vbs := newTestMachine(t, store)
	_ = vbs.SetVBucketState(0, vbucket.StateDead, &item.CasGenerator{}, func() bool { return true })

	l, err := mlog.Create(m.mlogPath, m.mlogCfg)
	if err != nil {
		t.Fatalf("create mlog: %v", err)
	}
	if err := l.Append(mlog.NewEntry(0, "k1", 42)); err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, rec := range []mlog.Record{mlog.Commit1Entry(), mlog.Commit2Entry()} {
		if err := l.Append(rec); err != nil {
			t.Fatalf("append %s: %v", rec.Type, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := m.Step(context.Background()); err != nil { // Initialize
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := m.Step(context.Background()) // LoadingMutationLog
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != LoadingAccessLog {
		t.Fatalf("expected LoadingAccessLog after a non-empty log, got %s", next)
	}

	vb, ok := vbs.Get(0)
	if !ok {
		t.Fatalf("expected vbucket 0 to exist")
	}
	sv, ok := vb.HashTable.Find("k1", true)
	if !ok {
		t.Fatalf("expected k1 to have been rehydrated")
	}
	if sv.Item.RowID != 42 {
		t.Fatalf("expected rowid 42, got %d", sv.Item.RowID)
	}
	if sv.Resident {
		t.Fatalf("expected metadata-only rehydration to leave the value non-resident")
	}
}

func TestMutationLogDeleteAfterNewMarksTombstone(t *testing.T) {
	store := &fakeStore{}
	m, vbs := newTestMachine(t, store)
	vbs.SetVBucketState(0, vbucket.StateDead, &item.CasGenerator{}, func() bool { return true })

	l, err := mlog.Create(m.mlogPath, m.mlogCfg)
	if err != nil {
		t.Fatalf("create mlog: %v", err)
	}
	if err := l.Append(mlog.NewEntry(0, "k1", 42)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(mlog.DelEntry(0, "k1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, rec := range []mlog.Record{mlog.Commit1Entry(), mlog.Commit2Entry()} {
		if err := l.Append(rec); err != nil {
			t.Fatalf("append %s: %v", rec.Type, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m.Step(context.Background())
	m.Step(context.Background())

	vb, _ := vbs.Get(0)
	sv, ok := vb.HashTable.Find("k1", true)
	if !ok {
		t.Fatalf("expected k1 to still be present as a tombstone")
	}
	if !sv.Deleted {
		t.Fatalf("expected k1 to be marked deleted")
	}
}

func TestMutationLogDropsUncommittedTrailingTransaction(t *testing.T) {
	store := &fakeStore{}
	m, vbs := newTestMachine(t, store)
	vbs.SetVBucketState(0, vbucket.StateDead, &item.CasGenerator{}, func() bool { return true })

	l, err := mlog.Create(m.mlogPath, m.mlogCfg)
	if err != nil {
		t.Fatalf("create mlog: %v", err)
	}
	for _, rec := range []mlog.Record{
		mlog.NewEntry(0, "committed", 1),
		mlog.Commit1Entry(),
		mlog.Commit2Entry(),
		mlog.NewEntry(0, "interrupted", 2),
	} {
		if err := l.Append(rec); err != nil {
			t.Fatalf("append %s: %v", rec.Type, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m.Step(context.Background()) // Initialize
	m.Step(context.Background()) // LoadingMutationLog

	vb, _ := vbs.Get(0)
	if _, ok := vb.HashTable.Find("committed", true); !ok {
		t.Fatalf("expected committed to have been rehydrated")
	}
	if _, ok := vb.HashTable.Find("interrupted", true); ok {
		t.Fatalf("expected interrupted (no matching COMMIT2) to have been discarded")
	}
}

func TestKeyDumpSkippedWhenUnsupported(t *testing.T) {
	store := &fakeStore{keyDumpSupported: false}
	m, _ := newTestMachine(t, store)
	m.state = KeyDump
	m.persistedStates = map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot{}

	next, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != LoadingKVPairs {
		t.Fatalf("expected LoadingKVPairs when key dump is unsupported and no access log exists, got %s", next)
	}
}

func TestKeyDumpGoesToAccessLogWhenOneExists(t *testing.T) {
	store := &fakeStore{keyDumpSupported: true}
	m, _ := newTestMachine(t, store)
	m.state = KeyDump
	m.persistedStates = map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot{}

	if err := os.WriteFile(m.accessLogPath, []byte("0\t1\tk\n"), 0o644); err != nil {
		t.Fatalf("write access log: %v", err)
	}

	next, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != LoadingAccessLog {
		t.Fatalf("expected LoadingAccessLog when an access log file exists, got %s", next)
	}
}

func TestLoadingAccessLogHydratesPredictedKeys(t *testing.T) {
	store := &fakeStore{getValues: map[string][]byte{"hot": []byte("v")}}
	m, vbs := newTestMachine(t, store)
	vbs.SetVBucketState(7, vbucket.StateDead, &item.CasGenerator{}, func() bool { return true })
	m.state = LoadingAccessLog

	if err := os.WriteFile(m.accessLogPath, []byte("7\t3\thot\n"), 0o644); err != nil {
		t.Fatalf("write access log: %v", err)
	}

	next, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != Done {
		t.Fatalf("expected Done after a successful access-log replay, got %s", next)
	}

	vb, _ := vbs.Get(7)
	sv, ok := vb.HashTable.Find("hot", false)
	if !ok || !sv.Resident {
		t.Fatalf("expected hot to be loaded and resident")
	}
}

func TestLoadingAccessLogFallsThroughToLoadingDataWhenAbsent(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestMachine(t, store)
	m.state = LoadingAccessLog

	next, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != LoadingData {
		t.Fatalf("expected LoadingData when no access log is present, got %s", next)
	}
}

func TestFullLoadInstallsEveryWarmupItem(t *testing.T) {
	store := &fakeStore{warmupItems: []item.Item{
		{Key: "a", VBID: 1, Value: []byte("1")},
		{Key: "b", VBID: 1, Value: []byte("2")},
	}}
	m, vbs := newTestMachine(t, store)
	vbs.SetVBucketState(1, vbucket.StateDead, &item.CasGenerator{}, func() bool { return true })
	m.state = LoadingKVPairs

	next, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != Done {
		t.Fatalf("expected Done after a full load, got %s", next)
	}

	vb, _ := vbs.Get(1)
	if vb.HashTable.Len() != 2 {
		t.Fatalf("expected both items to be installed, got %d", vb.HashTable.Len())
	}
	if m.ItemsLoaded() != 2 {
		t.Fatalf("expected ItemsLoaded to report 2, got %d", m.ItemsLoaded())
	}
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	if isLegalTransition(Initialize, Done) {
		t.Fatalf("Initialize -> Done must not be a legal transition")
	}
	if isLegalTransition(LoadingKVPairs, LoadingAccessLog) {
		t.Fatalf("LoadingKVPairs -> LoadingAccessLog must not be a legal transition")
	}
}

func TestRunCallsExitOnPartialWarmupWhenConfigured(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestMachine(t, store)
	m.cfg.Update(func(c *config.Config) { c.FailOnPartialWarmup = true })
	m.warmOOM = 1
	m.state = Done

	var exitCode int
	exited := false
	m.exit = func(code int) { exited = true; exitCode = code }

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exited {
		t.Fatalf("expected exit to be called when fail-on-partial-warmup is set and warmOOM > 0")
	}
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
}

func TestTrafficGateOpensOnItemThreshold(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestMachine(t, store)

	if m.TrafficGate(0, 1000, 1, 100) {
		t.Fatalf("expected gate closed at 1%% warmed items")
	}
	if !m.TrafficGate(0, 1000, 10, 100) {
		t.Fatalf("expected gate open at 10%% warmed items (default threshold 5%%)")
	}
}
