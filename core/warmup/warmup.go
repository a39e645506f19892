// Package warmup implements the multi-stage startup state machine from
// spec §4.5: rehydrating persisted vbucket state, the mutation log, key
// metadata and values back into the in-memory HashTables before the engine
// starts serving live traffic.
package warmup

import (
	"context"
	"fmt"
	"os"

	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/hashtable"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore"
	"github.com/stevelittle/ep-engine/core/logging"
	"github.com/stevelittle/ep-engine/core/mlog"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/stevelittle/ep-engine/core/vbucket"
)

var log = logging.Get("warmup")

// State is one of the warmup stages from spec §4.5.
type State int

const (
	Initialize State = iota
	LoadingMutationLog
	LoadingAccessLog
	EstimateDatabaseItemCount
	KeyDump
	LoadingKVPairs
	LoadingData
	Done
)

func (s State) String() string {
	switch s {
	case Initialize:
		return "Initialize"
	case LoadingMutationLog:
		return "LoadingMutationLog"
	case LoadingAccessLog:
		return "LoadingAccessLog"
	case EstimateDatabaseItemCount:
		return "EstimateDatabaseItemCount"
	case KeyDump:
		return "KeyDump"
	case LoadingKVPairs:
		return "LoadingKVPairs"
	case LoadingData:
		return "LoadingData"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// legalTransitions is the exact graph from spec §4.5. Step computes the
// concrete next state from what it observes at runtime, then validates it
// against this table before committing to it — a state machine that agrees
// with its own spec does not need the check to matter, but an illegal
// transition must never proceed silently if one of the steps below is ever
// changed incorrectly.
var legalTransitions = map[State][]State{
	Initialize:                {LoadingMutationLog},
	LoadingMutationLog:        {LoadingAccessLog, EstimateDatabaseItemCount},
	EstimateDatabaseItemCount: {KeyDump},
	KeyDump:                   {LoadingKVPairs, LoadingAccessLog},
	LoadingAccessLog:          {Done, LoadingData},
	LoadingKVPairs:            {Done},
	LoadingData:               {Done},
}

func isLegalTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is wrapped with the offending states when Step
// computes a next state not present in legalTransitions.
type ErrIllegalTransition struct {
	From, To State
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("warmup: illegal transition %s -> %s", e.From, e.To)
}

// Machine drives the warmup sequence against one engine's vbucket map and
// backing store.
type Machine struct {
	vbuckets      *vbucket.Map
	store         kvstore.KVStore
	mlogPath      string
	mlogCfg       mlog.Config
	accessLogPath string
	cfg           *config.Manager
	stats         stats.Sink
	casGen        *item.CasGenerator
	memOK         hashtable.MemoryChecker

	state State

	persistedStates map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot
	estimatedCounts map[uint16]int64

	itemsLoaded   int64
	warmOOM       int64
	accessLogUsed bool

	// exit is os.Exit by default; tests override it so the fatal
	// fail-on-partial-warmup path can be exercised without killing the
	// test binary.
	exit func(code int)
}

// New creates a Machine in its initial state. mlogPath and accessLogPath
// name the files the LoadingMutationLog and LoadingAccessLog steps read.
func New(vbuckets *vbucket.Map, store kvstore.KVStore, mlogPath string, mlogCfg mlog.Config, accessLogPath string, cfg *config.Manager, statsSink stats.Sink, casGen *item.CasGenerator, memOK hashtable.MemoryChecker) *Machine {
	return &Machine{
		vbuckets:        vbuckets,
		store:           store,
		mlogPath:        mlogPath,
		mlogCfg:         mlogCfg,
		accessLogPath:   accessLogPath,
		cfg:             cfg,
		stats:           statsSink,
		casGen:          casGen,
		memOK:           memOK,
		state:           Initialize,
		persistedStates: make(map[kvstore.VBucketKey]kvstore.VBucketStateSnapshot),
		estimatedCounts: make(map[uint16]int64),
		exit:            os.Exit,
	}
}

// State reports the machine's current stage.
func (m *Machine) State() State { return m.state }

// ItemsLoaded reports how many records Step has installed so far, across
// every stage.
func (m *Machine) ItemsLoaded() int64 { return m.itemsLoaded }

// WarmOOM reports how many inserts during warmup could not find headroom
// even after an emergency eviction (spec §4.5's warmOOM counter).
func (m *Machine) WarmOOM() int64 { return m.warmOOM }

// AccessLogUsed reports whether LoadingAccessLog found and replayed a
// predicted working set, letting a caller tell that path apart from one
// that fell through to a full LoadingData scan.
func (m *Machine) AccessLogUsed() bool { return m.accessLogUsed }

// Run drives the machine from its current state to Done, running each
// step in turn. If the engine is configured fail-on-partial-warmup and any
// step recorded a warmOOM, Run calls its exit function after reaching Done
// rather than returning (spec §7's one process-fatal path).
func (m *Machine) Run(ctx context.Context) error {
	for m.state != Done {
		if _, err := m.Step(ctx); err != nil {
			return err
		}
	}

	if m.cfg.Get().FailOnPartialWarmup && m.warmOOM > 0 {
		log.Errorf("warmup incomplete: %d item(s) could not be loaded under memory pressure, fail-on-partial-warmup is set", m.warmOOM)
		m.exit(1)
	}
	return nil
}

// Step runs the current state's work, computes the next state, validates
// the transition, commits to it, and returns the new state.
func (m *Machine) Step(ctx context.Context) (State, error) {
	from := m.state
	var next State
	var err error

	switch from {
	case Initialize:
		next, err = m.stepInitialize()
	case LoadingMutationLog:
		next, err = m.stepLoadingMutationLog()
	case EstimateDatabaseItemCount:
		next, err = m.stepEstimate()
	case KeyDump:
		next, err = m.stepKeyDump()
	case LoadingAccessLog:
		next, err = m.stepLoadingAccessLog()
	case LoadingKVPairs:
		next, err = m.stepFullLoad()
	case LoadingData:
		next, err = m.stepFullLoad()
	case Done:
		return Done, nil
	default:
		return from, fmt.Errorf("warmup: unknown state %d", from)
	}

	if err != nil {
		return from, err
	}
	if !isLegalTransition(from, next) {
		return from, ErrIllegalTransition{From: from, To: next}
	}

	log.Debugf("warmup: %s -> %s", from, next)
	m.state = next
	return next, nil
}

func (m *Machine) stepInitialize() (State, error) {
	m.persistedStates = m.store.ListPersistedVbuckets()
	for key, snap := range m.persistedStates {
		vb := m.vbuckets.SetVBucketState(key.VBID, vbucket.StateDead, m.casGen, m.memOK)
		vb.SetPersistedCheckpoint(snap.CheckpointID, snap.MaxDeletedSeqno)
	}
	return LoadingMutationLog, nil
}

func (m *Machine) stepLoadingMutationLog() (State, error) {
	result, err := mlog.Replay(m.mlogPath, m.mlogCfg)
	if err != nil {
		if os.IsNotExist(err) {
			return EstimateDatabaseItemCount, nil
		}
		return m.state, err
	}
	if result.Status != mlog.ReplayComplete && result.Status != mlog.ReplayTruncated {
		log.Warningf("mutation log %s: %s, falling back to a full backing-store scan", m.mlogPath, result.Status)
		return EstimateDatabaseItemCount, nil
	}
	if len(result.Records) == 0 {
		return EstimateDatabaseItemCount, nil
	}

	committed := mlog.CommittedRecords(result.Records)
	for _, rec := range committed {
		switch rec.Type {
		case mlog.RecordNew:
			oom := m.insertWarm(item.Item{Key: rec.Key, VBID: rec.VBID, RowID: rec.RowID}, false, true)
			m.noteLoaded(oom)
		case mlog.RecordDel:
			if vb, ok := m.vbuckets.Get(rec.VBID); ok {
				vb.HashTable.InsertTombstone(item.Item{Key: rec.Key, VBID: rec.VBID, RowID: item.NoRowID})
			}
		case mlog.RecordDelAll:
			if vb, ok := m.vbuckets.Get(rec.VBID); ok {
				vb.Reset(m.casGen, m.memOK)
			}
		}
	}

	return LoadingAccessLog, nil
}

func (m *Machine) stepEstimate() (State, error) {
	counts := make(map[uint16]int64)
	err := m.store.DumpKeys(nil, func(it item.Item) bool {
		counts[it.VBID]++
		return true
	})
	if err != nil {
		return m.state, err
	}
	m.estimatedCounts = counts
	for vbid, n := range counts {
		if vb, ok := m.vbuckets.Get(vbid); ok && vb.HashTable.Len() == 0 {
			vb.HashTable = hashtable.NewWithBuckets(presizeBuckets(n), m.casGen, m.memOK)
		}
		m.stats.SetIfGreater(fmt.Sprintf("warmup.estimated_items.%d", vbid), n)
	}
	return KeyDump, nil
}

func (m *Machine) stepKeyDump() (State, error) {
	if !m.store.StorageProperties().IsKeyDumpSupported {
		return m.nextAfterKeyDump(), nil
	}

	vbids := m.activeOrReplicaVBIDs()
	err := m.store.DumpKeys(vbids, func(it item.Item) bool {
		oom := m.insertWarm(it, false, true)
		m.noteLoaded(oom)
		return true
	})
	if err != nil {
		return m.state, err
	}
	return m.nextAfterKeyDump(), nil
}

// nextAfterKeyDump prefers replaying a predicted working set, if one was
// written by the access scanner, over an unconditional full load.
func (m *Machine) nextAfterKeyDump() State {
	if accessLogExists(m.accessLogPath) {
		return LoadingAccessLog
	}
	return LoadingKVPairs
}

func (m *Machine) stepLoadingAccessLog() (State, error) {
	entries, ok := openAccessLogWithFallback(m.accessLogPath)
	if !ok || len(entries) == 0 {
		return LoadingData, nil
	}

	for _, e := range entries {
		vb, ok := m.vbuckets.Get(e.VBID)
		if !ok {
			continue
		}
		m.store.Get(context.Background(), e.Key, e.RowID, e.VBID, vb.Version(), false, func(found bool, val []byte, meta item.Item) {
			if !found {
				return
			}
			meta.Value = val
			oom := m.insertWarm(meta, true, false)
			m.noteLoaded(oom)
		})
	}

	m.accessLogUsed = true
	return Done, nil
}

// stepFullLoad backs both LoadingKVPairs and LoadingData: spec §4.5
// describes them identically ("enumerate the entire backing store, values
// and metadata"); they differ only in which edge of the graph reaches them.
func (m *Machine) stepFullLoad() (State, error) {
	_, err := m.store.Warmup(m.accessLogPath, m.persistedStates, func(it item.Item, val []byte, partial bool) bool {
		it.Value = val
		oom := m.insertWarm(it, !partial, partial)
		m.noteLoaded(oom)
		return true
	}, func(vbid uint16, estimatedCount int64) {
		m.estimatedCounts[vbid] = estimatedCount
	})
	if err != nil {
		return m.state, err
	}
	return Done, nil
}

// presizeBuckets picks an initial bucket count for a HashTable about to be
// bulk-loaded with n items, aiming to stay under the load factor that would
// otherwise trigger an immediate resize mid-warmup.
func presizeBuckets(n int64) int {
	target := int64(float64(n) / loadFactorTarget)
	if target < 1024 {
		return 1024
	}
	return int(target)
}

const loadFactorTarget = 1.0

func (m *Machine) insertWarm(it item.Item, resident bool, partial bool) bool {
	vb, ok := m.vbuckets.Get(it.VBID)
	if !ok {
		return false
	}
	return vb.HashTable.Insert(it, resident, true, partial)
}

func (m *Machine) noteLoaded(oom bool) {
	m.itemsLoaded++
	if oom {
		m.warmOOM++
		m.stats.Inc("warmup.oom", 1)
	}
}

// activeOrReplicaVBIDs returns the vbids whose persisted snapshot recorded
// an "active" or "replica" state — the live in-memory VBucket is held at
// StateDead throughout warmup regardless, so this reads the snapshot's
// recorded state rather than the VBucket's current one.
func (m *Machine) activeOrReplicaVBIDs() []uint16 {
	var vbids []uint16
	for key, snap := range m.persistedStates {
		if snap.State == vbucket.StateActive.String() || snap.State == vbucket.StateReplica.String() {
			vbids = append(vbids, key.VBID)
		}
	}
	return vbids
}

// TrafficGate implements spec §4.5's maybeEnableTraffic: warmup may still
// be running, but the engine can start accepting live traffic once either
// resident memory or the warmed item count has crossed its configured
// threshold, rather than waiting for every vbucket to fully warm.
func (m *Machine) TrafficGate(residentBytes, maxDataSize int64, warmedItems, expectedItems int64) bool {
	cfg := m.cfg.Get()
	if maxDataSize > 0 {
		memPct := residentBytes * 100 / maxDataSize
		if memPct >= int64(cfg.WarmupMinMemoryThresholdPercent) {
			return true
		}
	}
	if expectedItems > 0 {
		itemPct := warmedItems * 100 / expectedItems
		if itemPct >= int64(cfg.WarmupMinItemsThresholdPercent) {
			return true
		}
	}
	return false
}
