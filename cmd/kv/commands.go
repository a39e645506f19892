package kv

import (
	"fmt"

	"github.com/stevelittle/ep-engine/core/ep"
	"github.com/stevelittle/ep-engine/core/item"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a key's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := bootOneShot(ctx)
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		cookie := newBlockingCookie()
		status, it := eng.Store.Get(args[0], uint16(viper.GetInt("vbid")), cookie, true, true)
		status = resolveStatus(ctx, cookie, status)
		if status == ep.StatusEWouldBlock {
			status, it = eng.Store.Get(args[0], uint16(viper.GetInt("vbid")), nil, false, true)
		}
		if status == ep.StatusSuccess {
			fmt.Printf("%s\n", it.Value)
		}
		return printStatus(status)
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a key's value (create or overwrite)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := bootOneShot(ctx)
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		it := item.Item{
			Key:   args[0],
			VBID:  uint16(viper.GetInt("vbid")),
			Value: []byte(args[1]),
		}
		cookie := newBlockingCookie()
		status := eng.Store.Set(it, cookie, false)
		status = resolveStatus(ctx, cookie, status)
		return printStatus(status)
	},
}

var addCmd = &cobra.Command{
	Use:   "add <key> <value>",
	Short: "Add a key's value; fails if the key already exists",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := bootOneShot(ctx)
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		it := item.Item{
			Key:   args[0],
			VBID:  uint16(viper.GetInt("vbid")),
			Value: []byte(args[1]),
		}
		cookie := newBlockingCookie()
		status := eng.Store.Add(it, cookie)
		status = resolveStatus(ctx, cookie, status)
		return printStatus(status)
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := bootOneShot(ctx)
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		cookie := newBlockingCookie()
		status := eng.Store.DeleteItem(args[0], uint16(viper.GetInt("vbid")), 0, 0, cookie, false)
		status = resolveStatus(ctx, cookie, status)
		return printStatus(status)
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict <key>",
	Short: "Eject a clean resident value's bytes, keeping its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := bootOneShot(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		status := eng.Store.EvictKey(args[0], uint16(viper.GetInt("vbid")), false)
		return printStatus(status)
	},
}
