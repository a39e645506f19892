package util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stevelittle/ep-engine/core/bgfetcher"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/dispatcher"
	"github.com/stevelittle/ep-engine/core/ep"
	"github.com/stevelittle/ep-engine/core/flusher"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/stevelittle/ep-engine/core/kvstore/pebblekv"
	"github.com/stevelittle/ep-engine/core/logging"
	"github.com/stevelittle/ep-engine/core/mlog"
	"github.com/stevelittle/ep-engine/core/restore"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/stevelittle/ep-engine/core/vbucket"
	"github.com/stevelittle/ep-engine/core/warmup"
	"github.com/stevelittle/ep-engine/core/workers"
)

var log = logging.Get("cmd")

// BootOptions collects the subset of config.Config and deployment knobs the
// CLI exposes as flags. It is the thing cmd/serve and cmd/kv both populate
// from cobra/viper before handing it to Boot.
type BootOptions struct {
	DataDir      string
	NumShards    int
	NumVBuckets  uint16
	StatsBackend stats.Backend
	Cfg          config.Config
}

// Engine is the fully wired object graph spec §2 describes: the backing
// KVStore, the VBucketMap, the EP façade, and (unless NoPersistence is set,
// mirroring the EP_NO_PERSISTENCE environment variable from spec §6) the
// Flusher, BG fetcher, and every periodic worker from spec §4.7, each
// running on its own dispatcher instance per spec §5's three-dispatcher
// model.
type Engine struct {
	Store    *ep.Store
	VBuckets *vbucket.Map
	KVStore  *pebblekv.Store
	CfgMgr   *config.Manager
	Stats    *stats.Registry
	Warmup   *warmup.Machine

	fl       *flusher.Flusher
	bgf      *bgfetcher.Fetcher
	restore  *restore.Coordinator
	rwDisp   *dispatcher.Dispatcher
	roDisp   *dispatcher.Dispatcher
	nonIO    *dispatcher.Dispatcher
	itemPg   *workers.ItemPager
	expPg    *workers.ExpiryPager
	resizer  *workers.Resizer
	ckptRm   *workers.CheckpointRemover
	accScan  *workers.AccessScanner
	snapper  *workers.VBucketSnapshotter
	mlogComp *workers.MutationLogCompactor
	statSnap *workers.StatSnap
	mlogFile *mlog.Log

	noPersistence bool
}

func nowUnix() uint32 { return uint32(time.Now().Unix()) }

// Boot wires a complete Engine from opts: opens the backing store, runs
// warmup to Done, and starts the flusher/BG fetcher/periodic workers unless
// persistence is disabled. Callers should defer Shutdown.
func Boot(ctx context.Context, opts BootOptions) (*Engine, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	noPersistence := opts.Cfg.NoPersistence || os.Getenv("EP_NO_PERSISTENCE") != ""

	store, err := pebblekv.Open(opts.DataDir, opts.NumShards)
	if err != nil {
		return nil, fmt.Errorf("open backing store: %w", err)
	}

	vbuckets := vbucket.NewMap()
	casGen := &item.CasGenerator{}
	cfgMgr := config.NewManager(opts.Cfg)
	statsReg := stats.NewRegistry(opts.StatsBackend)

	rwDisp := dispatcher.New("rw")
	roDisp := dispatcher.New("ro")
	nonIODisp := dispatcher.New("nonio")

	memOK := func() bool { return true }

	mlogPath := filepath.Join(opts.DataDir, "mutation.log")
	accessLogPath := filepath.Join(opts.DataDir, "access.log")
	mlogCfg := mlog.Config{Sync: mlog.SyncEveryCommit}

	wm := warmup.New(vbuckets, store, mlogPath, mlogCfg, accessLogPath, cfgMgr, statsReg, casGen, memOK)
	if err := wm.Run(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("warmup: %w", err)
	}
	log.Infof("warmup done: %d item(s) loaded, %d warmOOM, accessLogUsed=%v", wm.ItemsLoaded(), wm.WarmOOM(), wm.AccessLogUsed())

	for vbid := uint16(0); vbid < opts.NumVBuckets; vbid++ {
		if _, ok := vbuckets.Get(vbid); !ok {
			vbuckets.SetVBucketState(vbid, vbucket.StateActive, casGen, memOK)
		}
	}

	restoreCoord := restore.New(vbuckets, memOK, nowUnix)
	bgf := bgfetcher.New(vbuckets, store, cfgMgr, statsReg, roDisp)

	e := &Engine{
		VBuckets:      vbuckets,
		KVStore:       store,
		CfgMgr:        cfgMgr,
		Stats:         statsReg,
		Warmup:        wm,
		bgf:           bgf,
		restore:       restoreCoord,
		rwDisp:        rwDisp,
		roDisp:        roDisp,
		nonIO:         nonIODisp,
		noPersistence: noPersistence,
	}

	e.Store = ep.New(vbuckets, store, casGen, cfgMgr, statsReg, bgf, restoreCoord, nowUnix)

	if !noPersistence {
		mlogFile, err := mlog.OpenAppend(mlogPath, mlogCfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open mutation log for append: %w", err)
		}
		e.mlogFile = mlogFile

		e.fl = flusher.New(vbuckets, store, mlogFile, cfgMgr, statsReg, rwDisp)
		e.snapper = workers.NewVBucketSnapshotter(vbuckets, store, cfgMgr, nonIODisp)
		e.fl.SetHighPrioritySnapshotChecker(e.snapper.IsPending)
		e.fl.SetMemoryPressureChecker(func() bool { return e.Store.AboveLowWater() })
		e.fl.Start()

		e.itemPg = workers.NewItemPager(vbuckets, cfgMgr, nonIODisp, e.Store.AboveLowWater)
		e.expPg = workers.NewExpiryPager(vbuckets, cfgMgr, nonIODisp, nowUnix)
		e.resizer = workers.NewResizer(vbuckets, cfgMgr, nonIODisp)
		e.ckptRm = workers.NewCheckpointRemover(vbuckets, cfgMgr, nonIODisp)
		e.accScan = workers.NewAccessScanner(vbuckets, cfgMgr, nonIODisp, accessLogPath)
		e.mlogComp = workers.NewMutationLogCompactor(mlogPath, mlogCfg, cfgMgr, nonIODisp)
		e.statSnap = workers.NewStatSnap(func() map[string]int64 { return statsReg.Snapshot() }, cfgMgr, nonIODisp, filepath.Join(opts.DataDir, "stats.json"))

		e.itemPg.Start()
		e.expPg.Start()
		e.resizer.Start()
		e.ckptRm.Start()
		e.accScan.Start()
		e.snapper.Start()
		e.mlogComp.Start()
		e.statSnap.Start()
	} else {
		log.Infof("persistence disabled (EP_NO_PERSISTENCE or --no-persistence); flusher and periodic workers not started")
	}

	return e, nil
}

// Shutdown stops every background worker in teardown order (periodic
// workers and the flusher before the dispatchers, per spec §2's top-down
// component order), then closes the backing store.
func (e *Engine) Shutdown() {
	if e.itemPg != nil {
		e.itemPg.Stop()
		e.expPg.Stop()
		e.resizer.Stop()
		e.ckptRm.Stop()
		e.accScan.Stop()
		e.snapper.Stop()
		e.mlogComp.Stop()
		e.statSnap.Stop()
	}
	if e.fl != nil {
		e.fl.Stop()
	}
	e.rwDisp.Stop()
	e.roDisp.Stop()
	e.nonIO.Stop()
	if e.mlogFile != nil {
		_ = e.mlogFile.Close()
	}
	if e.KVStore != nil {
		_ = e.KVStore.Close()
	}
}
