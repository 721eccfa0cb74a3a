// Command logindexctl is a thin ambient harness around the indexing
// engine: it wires config, a chosen store backend, and the service
// facade behind a handful of cobra subcommands. It is intentionally
// thin — spec.md §1 places CLI/benchmark harnesses outside the core, so
// this binary only wires the facade, it never reimplements domain logic.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv/fskv"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv/memkv"
	"github.com/erigontech/finalized-log-index/turbo/logindex"
)

var (
	configPath string
	dataDir    string
	backend    string
	epoch      uint64
)

func main() {
	root := &cobra.Command{
		Use:   "logindexctl",
		Short: "operate a finalized-log-index instance",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults applied if omitted)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./logindex-data", "data directory for the filesystem backend")
	root.PersistentFlags().StringVar(&backend, "backend", "memory", "store backend: memory|fs")
	root.PersistentFlags().Uint64Var(&epoch, "epoch", 1, "writer fence epoch to hold")

	root.AddCommand(newHealthCmd(), newMaintenanceCmd(), newGCCmd(), newQueryCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildService() (*logindex.Service, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var meta kv.MetaStore
	var blob kv.BlobStore
	switch backend {
	case "fs":
		metaStore, err := fskv.NewMetaStore(dataDir+"/meta", epoch)
		if err != nil {
			return nil, err
		}
		blobStore, err := fskv.NewBlobStore(dataDir + "/blob")
		if err != nil {
			return nil, err
		}
		meta, blob = metaStore, blobStore
	default:
		store := memkv.New(epoch)
		meta, blob = store, store
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logindex.New(meta, blob, cfg, kv.FenceToken(epoch), logger), nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "print the service's current health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService()
			if err != nil {
				return err
			}
			report := svc.Health(cmd.Context())
			return printJSON(report)
		},
	}
}

func newMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "run the periodic tail seal-check sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService()
			if err != nil {
				return err
			}
			outcome, err := svc.RunMaintenance(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
}

func newGCCmd() *cobra.Command {
	var pruneBelow uint64
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "run one GC pass, or prune the block-hash index with --prune-below",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService()
			if err != nil {
				return err
			}
			if pruneBelow > 0 {
				removed, err := svc.PruneBlockHashIndexBelow(cmd.Context(), pruneBelow)
				if err != nil {
					return err
				}
				return printJSON(map[string]uint64{"removed": removed})
			}
			outcome, err := svc.RunGCOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
	cmd.Flags().Uint64Var(&pruneBelow, "prune-below", 0, "prune block_hash_to_num entries below this block number instead of running GC")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		fromBlock uint64
		toBlock   uint64
		addrHex   string
		topic0Hex string
		maxResult int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "run a filtered log query",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService()
			if err != nil {
				return err
			}
			filter := types.Filter{}
			if cmd.Flags().Changed("from") {
				filter.FromBlock = &fromBlock
			}
			if cmd.Flags().Changed("to") {
				filter.ToBlock = &toBlock
			}
			if addrHex != "" {
				b, err := hex.DecodeString(addrHex)
				if err != nil {
					return err
				}
				filter.Addr = types.Clause{One: b}
			}
			if topic0Hex != "" {
				b, err := hex.DecodeString(topic0Hex)
				if err != nil {
					return err
				}
				filter.Topics[0] = types.Clause{One: b}
			}
			logs, err := svc.QueryFinalized(cmd.Context(), filter, types.QueryOptions{MaxResults: maxResult})
			if err != nil {
				return err
			}
			return printJSON(logs)
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from", 0, "inclusive starting block number")
	cmd.Flags().Uint64Var(&toBlock, "to", 0, "inclusive ending block number")
	cmd.Flags().StringVar(&addrHex, "addr", "", "hex-encoded 20-byte contract address")
	cmd.Flags().StringVar(&topic0Hex, "topic0", "", "hex-encoded 32-byte topic-0 signature")
	cmd.Flags().IntVar(&maxResult, "max-results", 1000, "maximum results to return")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
