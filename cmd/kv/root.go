// Package kv implements one-shot key/value operations (get, set, add, del,
// evict) against an embedded ep-engine instance, grounded on the teacher's
// own cmd/kv/root.go command tree. The teacher's kv commands are an RPC
// client talking to a running server over rpc/transport; this core has no
// wire protocol front-end of its own (spec.md §1 names it an explicit
// Non-goal), so each invocation instead boots the engine directly against
// --data-dir, performs the operation, and shuts down — the same object
// graph cmd/serve keeps running continuously, used here for a single op.
package kv

import (
	"context"
	"fmt"
	"time"

	cmdutil "github.com/stevelittle/ep-engine/cmd/util"
	"github.com/stevelittle/ep-engine/core/config"
	"github.com/stevelittle/ep-engine/core/ep"
	"github.com/stevelittle/ep-engine/core/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// KeyValueCommands is the "kv" command group.
var KeyValueCommands = &cobra.Command{
	Use:               "kv",
	Short:             "Get, set, add, delete, or evict a single key",
	PersistentPreRunE: bindFlags,
}

func init() {
	cobra.OnInitialize(func() { cmdutil.InitEnv("epengine") })
	setupCommonFlags(KeyValueCommands)
	KeyValueCommands.AddCommand(getCmd, setCmd, addCmd, delCmd, evictCmd)
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func setupCommonFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("data-dir", "data", "Directory the backing store and logs live under")
	f.Int("num-shards", 4, "Number of backing-store shards")
	f.Uint16("vbid", 0, "VBucket ID the key belongs to")
	f.Uint16("num-vbuckets", 1, "Number of vbuckets ([0,N)) to bring active on boot, so --vbid resolves")
	f.Duration("wait", 5*time.Second, "How long to wait for an EWOULDBLOCK (pending vbucket / BG fetch) to resolve")
	f.Bool("no-persistence", false, "Disable the flusher and periodic workers for this invocation")
}

// bootOneShot wires a minimal Engine for a single operation: no stats
// backend selection is exposed here since a one-shot CLI invocation has
// nothing long-lived to mirror into VictoriaMetrics/go-metrics.
func bootOneShot(ctx context.Context) (*cmdutil.Engine, error) {
	cfg := config.Default()
	cfg.NoPersistence = viper.GetBool("no-persistence")
	return cmdutil.Boot(ctx, cmdutil.BootOptions{
		DataDir:      viper.GetString("data-dir"),
		NumShards:    viper.GetInt("num-shards"),
		NumVBuckets:  uint16(viper.GetInt("num-vbuckets")),
		StatsBackend: stats.BackendGoMetrics,
		Cfg:          cfg,
	})
}

// resolveStatus takes the status an operation already returned; if it is
// EWOULDBLOCK, it waits on cookie for the configured --wait timeout and
// reports the resolved status instead.
func resolveStatus(ctx context.Context, cookie *blockingCookie, status ep.Status) ep.Status {
	if status != ep.StatusEWouldBlock {
		return status
	}
	wait := viper.GetDuration("wait")
	if resolved, ok := cookie.await(ctx, wait); ok {
		return resolved
	}
	return ep.StatusEWouldBlock
}

func printStatus(status ep.Status) error {
	fmt.Println(status.String())
	if status != ep.StatusSuccess {
		return fmt.Errorf("operation returned %s", status)
	}
	return nil
}
