// Command kvtcli is a thin cobra CLI over the kvt engine's public
// surface (table create/drop/list, kv get/set/del/scan, process), for
// manual smoke testing — not a new interface, a demonstration harness
// over engine.Engine. Each invocation opens the data directory, runs
// one operation, and shuts down cleanly so the next invocation recovers
// from exactly what was just written.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/engine"
	"github.com/dborchard/kvt/process"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dataDir      string
	strategyName string
	textLog      bool
)

func openEngine() (*engine.Engine, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	cfg := engine.DefaultConfig(dataDir, engine.Strategy(strategyName))
	cfg.TextLog = textLog
	cfg.Logger = logger.Sugar()

	e := engine.New(cfg)
	if err := e.Initialize(); err != nil {
		return nil, err
	}
	return e, nil
}

func runWithEngine(fn func(e *engine.Engine) error) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()
	return fn(e)
}

func main() {
	root := &cobra.Command{
		Use:   "kvtcli",
		Short: "manual smoke-test client for the kvt transactional store",
	}
	root.PersistentFlags().StringVar(&dataDir, "dir", "./kvt-data", "data directory for checkpoints and WAL logs")
	root.PersistentFlags().StringVar(&strategyName, "strategy", string(engine.Strategy2PL), "concurrency control: nocc, 2pl, or occ")
	root.PersistentFlags().BoolVar(&textLog, "text-log", false, "use text framing for the WAL instead of binary")

	root.AddCommand(newTableCmd(), newKVCmd(), newProcessCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTableCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "table", Short: "create, drop, and list tables"}

	create := &cobra.Command{
		Use:  "create NAME [hash|range]",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition := catalog.PartitionRange
			if len(args) == 2 {
				partition = catalog.PartitionMethod(args[1])
			}
			return runWithEngine(func(e *engine.Engine) error {
				id, err := e.CreateTable(args[0], partition)
				if err != nil {
					return err
				}
				fmt.Printf("table %q created with id %d\n", args[0], id)
				return nil
			})
		},
	}

	drop := &cobra.Command{
		Use:  "drop ID",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			return runWithEngine(func(e *engine.Engine) error { return e.DropTable(id) })
		},
	}

	list := &cobra.Command{
		Use:  "list",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(func(e *engine.Engine) error {
				for _, tbl := range e.ListTables() {
					fmt.Printf("%d\t%s\t%s\n", tbl.ID, tbl.Name, tbl.PartitionMethod)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(create, drop, list)
	return cmd
}

func newKVCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "kv", Short: "get, set, del, and scan keys"}

	var tableID uint64
	cmd.PersistentFlags().Uint64Var(&tableID, "table", 0, "table id")

	get := &cobra.Command{
		Use:  "get KEY",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(func(e *engine.Engine) error {
				value, err := e.Get(0, tableID, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Println(string(value))
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:  "set KEY VALUE",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(func(e *engine.Engine) error {
				return e.Set(0, tableID, []byte(args[0]), []byte(args[1]))
			})
		},
	}

	del := &cobra.Command{
		Use:  "del KEY",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(func(e *engine.Engine) error {
				return e.Del(0, tableID, []byte(args[0]))
			})
		},
	}

	scan := &cobra.Command{
		Use:  "scan [START] [END]",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end []byte
			if len(args) > 0 {
				start = []byte(args[0])
			}
			if len(args) > 1 {
				end = []byte(args[1])
			}
			return runWithEngine(func(e *engine.Engine) error {
				rows, _, err := e.Scan(0, tableID, start, end, 0)
				if err != nil {
					return err
				}
				for _, row := range rows {
					fmt.Printf("%s\t%s\n", row.Key, row.Value)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(get, set, del, scan)
	return cmd
}

// bumpCounter treats the target value as an 8-byte big-endian int64,
// a wrong-sized value starting the counter at zero, and returns the
// post-increment value. It is never called for a missing key: Process
// reports KeyNotFound without invoking the callback.
func bumpCounter(in process.Input, out *process.Output) error {
	var v int64
	if len(in.Value) == 8 {
		v = int64(binary.BigEndian.Uint64(in.Value))
	}
	v++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	out.UpdateValue = buf
	out.HasUpdate = true
	out.ReturnValue = buf
	out.HasReturn = true
	return nil
}

func newProcessCmd() *cobra.Command {
	var tableID uint64
	cmd := &cobra.Command{
		Use:   "bump KEY",
		Short: "increment a big-endian int64 counter in place, printing its new value",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Uint64Var(&tableID, "table", 0, "table id")
	cmd.RunE = func(cc *cobra.Command, args []string) error {
		return runWithEngine(func(e *engine.Engine) error {
			result, err := e.Process(0, tableID, []byte(args[0]), bumpCounter, nil)
			if err != nil {
				return err
			}
			fmt.Println(int64(binary.BigEndian.Uint64(result)))
			return nil
		})
	}
	return cmd
}
