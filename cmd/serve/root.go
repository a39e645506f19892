// Package serve implements the "serve" subcommand: it boots the full
// engine object graph (backing store, warmup, flusher, BG fetcher, every
// periodic worker) and blocks until interrupted. Grounded on the teacher's
// cmd/serve/root.go, adapted because this core's wire protocol front-end
// and TAP replication connection layer are both explicit Non-goals
// (spec.md §1) — there is no RPC server to start here, only the storage
// core itself, kept running so the periodic workers and flusher can do
// their jobs and so an operator can watch its logs/stats.
package serve

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdutil "github.com/stevelittle/ep-engine/cmd/util"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/logging"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logging.Get("serve")

var ServeCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the ep-engine storage core",
	Long: `Run the ep-engine storage core: opens the backing store, warms up
in-memory state from the mutation log and/or a full store scan, then keeps
the flusher, background fetcher, and periodic workers (item pager, expiry
pager, hashtable resizer, checkpoint remover, access scanner, vbucket
snapshotter, mutation log compactor, stat snap) running until interrupted.

Configuration can be set via flags or EPENGINE_<FLAG> environment variables
(e.g. EPENGINE_DATA_DIR=/var/lib/ep-engine).`,
	PreRunE: bindFlags,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(func() { cmdutil.InitEnv("epengine") })

	f := ServeCmd.PersistentFlags()
	f.String("data-dir", "data", cmdutil.WrapString("Directory the backing store, mutation log, and access log are written under"))
	f.Int("num-shards", 4, cmdutil.WrapString("Number of backing-store shards (see KVStore.optimizeWrites/getShardId, spec §6)"))
	f.Uint16("num-vbuckets", 1024, cmdutil.WrapString("Number of vbuckets to bring to the active state on first boot"))
	f.Bool("no-persistence", false, cmdutil.WrapString("Disable the flusher and every periodic worker (equivalent to setting EP_NO_PERSISTENCE)"))
	f.String("stats-backend", "victoriametrics", cmdutil.WrapString("Metrics backend to mirror statistics into: victoriametrics or go-metrics"))
	f.String("log-level", "info", cmdutil.WrapString("Log level: debug, info, warn, error, critical"))

	f.Duration("bg-fetch-delay", 0, cmdutil.WrapString("Artificial delay before scheduling a BG fetch (test/debug knob, spec §4.4)"))
	f.Duration("exp-pager-stime", 3600*time.Second, cmdutil.WrapString("Expiry pager sweep interval"))
	f.Duration("min-data-age", 2*time.Second, cmdutil.WrapString("Minimum dirty age before the flusher will persist a mutation"))
	f.Int("max-txn-size", 1000, cmdutil.WrapString("Maximum number of submissions grouped into one backing-store transaction"))
	f.Int("mem-low-water-percent", 75, cmdutil.WrapString("Low-water memory mark, percent of max-data-size"))
	f.Int("mem-high-water-percent", 85, cmdutil.WrapString("High-water memory mark, percent of max-data-size"))
	f.Int64("max-data-size", 1<<30, cmdutil.WrapString("Approximate resident byte budget"))
	f.Bool("fail-on-partial-warmup", false, cmdutil.WrapString("Terminate the process if warmup recorded a warmOOM (spec §7's one fatal path)"))
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func run(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	logging.SetGlobalLevel(level)

	var backend stats.Backend
	switch viper.GetString("stats-backend") {
	case "go-metrics":
		backend = stats.BackendGoMetrics
	default:
		backend = stats.BackendVictoriaMetrics
	}

	cfg := config.Default()
	cfg.BGFetchDelay = viper.GetDuration("bg-fetch-delay")
	cfg.ExpPagerStime = viper.GetDuration("exp-pager-stime")
	cfg.MinDataAge = viper.GetDuration("min-data-age")
	cfg.MaxTxnSize = viper.GetInt("max-txn-size")
	cfg.MemLowWaterMarkPercent = viper.GetInt("mem-low-water-percent")
	cfg.MemHighWaterMarkPercent = viper.GetInt("mem-high-water-percent")
	cfg.MaxDataSize = viper.GetInt64("max-data-size")
	cfg.FailOnPartialWarmup = viper.GetBool("fail-on-partial-warmup")
	cfg.NoPersistence = viper.GetBool("no-persistence")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := cmdutil.Boot(ctx, cmdutil.BootOptions{
		DataDir:      viper.GetString("data-dir"),
		NumShards:    viper.GetInt("num-shards"),
		NumVBuckets:  uint16(viper.GetInt("num-vbuckets")),
		StatsBackend: backend,
		Cfg:          cfg,
	})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	log.Infof("ep-engine serving, data-dir=%s", viper.GetString("data-dir"))
	<-ctx.Done()
	log.Infof("shutdown requested, draining...")

	return nil
}
