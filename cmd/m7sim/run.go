package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	m7 "github.com/robert-anderson/M7-sub002"
	"github.com/robert-anderson/M7-sub002/internal/wire"
)

var (
	runCfg         = m7.DefaultSimConfig()
	runCompression string
	runMetricsAddr string
)

func init() {
	cmd := newRunCmd()
	f := cmd.Flags()
	f.IntVar(&runCfg.Ranks, "ranks", runCfg.Ranks, "Number of in-process ranks")
	f.IntVar(&runCfg.Cycles, "cycles", runCfg.Cycles, "Number of spawn/communicate cycles")
	f.IntVar(&runCfg.Spawn, "spawn", runCfg.Spawn, "Rows emitted per rank per cycle")
	f.IntVar(&runCfg.KeySpace, "keys", runCfg.KeySpace, "Number of distinct keys")
	f.Float64Var(&runCfg.Skew, "skew", runCfg.Skew, "Spawn skew exponent (1 is uniform)")
	f.Float64Var(&runCfg.Decay, "decay", runCfg.Decay, "Weight multiplier applied each cycle")
	f.Float64Var(&runCfg.Threshold, "threshold", runCfg.Threshold, "Weight below which rows die")
	f.IntVar(&runCfg.RedistributeEvery, "redistribute-every", runCfg.RedistributeEvery,
		"Rebalance blocks every n cycles (0 disables)")
	f.Uint64Var(&runCfg.Seed, "seed", runCfg.Seed, "Random seed")

	f.IntVar(&runCfg.Store.BlockCount, "blocks", runCfg.Store.BlockCount, "Number of key blocks")
	f.IntVar(&runCfg.Store.StoreSlots, "store-slots", runCfg.Store.StoreSlots, "Initial store capacity")
	f.IntVar(&runCfg.Store.SendSlots, "send-slots", runCfg.Store.SendSlots, "Initial send capacity per destination")
	f.IntVar(&runCfg.Store.RecvSlots, "recv-slots", runCfg.Store.RecvSlots, "Initial receive capacity")
	f.Float64Var(&runCfg.Store.GrowthFactor, "growth", runCfg.Store.GrowthFactor, "Headroom added when a buffer grows")
	f.IntVar(&runCfg.Store.BucketCount, "buckets", runCfg.Store.BucketCount, "Initial hash bucket count")
	f.Float64Var(&runCfg.Store.RemapRatio, "remap-ratio", runCfg.Store.RemapRatio,
		"Skips per lookup that trigger a hash remap")
	f.Int64Var(&runCfg.Store.RemapLookupMin, "remap-lookups", runCfg.Store.RemapLookupMin,
		"Lookups required before a remap is considered")
	f.Int64Var(&runCfg.Store.MemoryLimitBytes, "memory-limit", 0, "Arena memory limit per rank in bytes (0 is unlimited)")
	f.Int64Var(&runCfg.Store.IOLimitBytesPerSec, "io-limit", 0, "Row migration rate per rank in bytes/s (0 is unlimited)")
	f.BoolVar(&runCfg.Store.OffHeap, "offheap", false, "Keep arenas in anonymous mappings")
	f.StringVar(&runCompression, "compression", "none", "Migration compression: none, lz4 or zstd")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a walker population",
		Long: `The run command spawns walkers on every rank, delivers them to
the rank owning their key, decays and kills light walkers, and rebalances
blocks by the work spent on them.

Example:
  m7sim run --ranks 8 --cycles 50
  m7sim run --skew 4 --redistribute-every 2 --compression zstd
  m7sim run --json --quiet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runRun(ctx, cmd.OutOrStdout(), runCfg)
		},
	}
}

func runRun(ctx context.Context, out io.Writer, cfg m7.SimConfig) error {
	c, err := wire.ParseCompression(runCompression)
	if err != nil {
		return err
	}
	cfg.Store.TransferCompression = c

	if runMetricsAddr != "" {
		srv := &http.Server{Addr: runMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		defer srv.Close()
	}

	var mc m7.BasicMetricsCollector
	start := time.Now()
	report, err := m7.Simulate(ctx, cfg, m7.WithLogger(newLogger()), m7.WithMetricsCollector(&mc))
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return printReport(out, report, mc.GetStats(), time.Since(start))
}

type runOutput struct {
	Cycles      int                  `json:"cycles"`
	Rows        int                  `json:"rows"`
	Weight      float64              `json:"weight"`
	Moves       int                  `json:"moves"`
	Imbalance   []float64            `json:"imbalance"`
	Ranks       []m7.RankReport      `json:"ranks"`
	Metrics     m7.BasicMetricsStats `json:"metrics"`
	ElapsedSecs float64              `json:"elapsed_seconds"`
}

func printReport(out io.Writer, r *m7.Report, stats m7.BasicMetricsStats, elapsed time.Duration) error {
	if jsonOut {
		return printJSON(out, runOutput{
			Cycles:      r.Cycles,
			Rows:        r.TotalRows(),
			Weight:      r.TotalWeight(),
			Moves:       len(r.Moves),
			Imbalance:   r.Imbalance,
			Ranks:       r.Ranks,
			Metrics:     stats,
			ElapsedSecs: elapsed.Seconds(),
		})
	}

	printInfo(out, "Cycles:      %d\n", r.Cycles)
	printInfo(out, "Rows:        %d\n", r.TotalRows())
	printInfo(out, "Weight:      %.4g\n", r.TotalWeight())
	printInfo(out, "Block moves: %d\n", len(r.Moves))
	printInfo(out, "Elapsed:     %s\n", elapsed.Round(time.Millisecond))
	if len(r.Imbalance) > 0 {
		printInfo(out, "Imbalance:   first %.3f, last %.3f\n", r.Imbalance[0], r.Imbalance[len(r.Imbalance)-1])
	}
	printInfo(out, "\n%-6s %8s %8s %12s %8s\n", "RANK", "ROWS", "BLOCKS", "WEIGHT", "BUCKETS")
	for _, rr := range r.Ranks {
		printInfo(out, "%-6d %8d %8d %12.4g %8d\n", rr.Rank, rr.Rows, rr.Blocks, rr.Weight, rr.Buckets)
	}
	if verbose {
		for _, m := range r.Moves {
			printInfo(out, "  %s\n", m)
		}
	}
	return nil
}
