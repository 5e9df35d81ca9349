package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/robert-anderson/M7-sub002/distrib"
)

var planRanks int

func init() {
	cmd := newPlanCmd()
	cmd.Flags().IntVar(&planRanks, "ranks", 2, "Number of ranks the blocks are spread over")
	rootCmd.AddCommand(cmd)
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <work>...",
		Short: "Show the block moves planned for a work profile",
		Long: `The plan command takes one work figure per block, assigns the
blocks to ranks in contiguous runs, and prints the moves the greedy
redistributor would make along with the imbalance before and after.

Example:
  m7sim plan --ranks 3 0 0 0 0 1 1 1 1 1 1 1 1
  m7sim plan --ranks 4 --json 1 2 3 4 5 6 7 8`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			work := make([]float64, len(args))
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("work figure %d: %w", i, err)
				}
				if v < 0 {
					return fmt.Errorf("work figure %d: negative work %g", i, v)
				}
				work[i] = v
			}
			if len(work) < planRanks || planRanks <= 0 {
				return fmt.Errorf("%d blocks cannot be spread over %d ranks", len(work), planRanks)
			}
			return runPlan(cmd.OutOrStdout(), work, planRanks)
		},
	}
}

type planOutput struct {
	Moves  []distrib.Move `json:"moves"`
	Before []float64      `json:"before"`
	After  []float64      `json:"after"`
	Blocks [][]int        `json:"blocks"`
}

func runPlan(out io.Writer, work []float64, nrank int) error {
	dist := distrib.NewDistribution(len(work), nrank)
	before := distrib.RankWork(dist, work)
	moves := distrib.Plan(dist, work)
	dist.Apply(moves)
	after := distrib.RankWork(dist, work)

	if jsonOut {
		return printJSON(out, planOutput{Moves: moves, Before: before, After: after, Blocks: dist.RankBlocks()})
	}
	for _, m := range moves {
		printInfo(out, "%s\n", m)
	}
	if len(moves) == 0 {
		printInfo(out, "no moves\n")
	}
	printInfo(out, "imbalance: %.3f -> %.3f\n", distrib.Imbalance(before), distrib.Imbalance(after))
	for r, blocks := range dist.RankBlocks() {
		printInfo(out, "rank %d: work %g, blocks %v\n", r, after[r], blocks)
	}
	return nil
}
