package cmd

import (
	"fmt"
	"os"

	"github.com/stevelittle/ep-engine/cmd/kv"
	"github.com/stevelittle/ep-engine/cmd/serve"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "ep-engine",
	Short: "an eventually-persistent, in-memory key/value storage engine",
	Long: fmt.Sprintf(`ep-engine (v%s)

An eventually-persistent, in-memory key/value storage engine partitioned
into virtual buckets, each with its own hash table, checkpoint log, and
lifecycle. Mutations are accepted in memory and drained asynchronously to
a durable backing store by a bounded-batch flusher.`, Version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of ep-engine",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ep-engine v%s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main(); it only needs to run once.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
