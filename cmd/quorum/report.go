package main

import (
	"fmt"

	"github.com/metalagman/quorum/internal/quota"
	"github.com/metalagman/quorum/internal/round"
	"github.com/metalagman/quorum/internal/score"
	"github.com/metalagman/quorum/internal/state"
	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "report [run-id]",
		Short:        "Print the run report for a run (latest by default)",
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}

			store := state.NewStore(storeDB)
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			} else {
				if runID, err = store.LatestRunID(cmd.Context()); err != nil {
					return err
				}
				if runID == "" {
					return fmt.Errorf("no runs")
				}
			}

			st, err := store.LoadRunState(cmd.Context(), runID)
			if err != nil {
				return err
			}
			weights, err := score.LoadWeights(cfg.Rounds.ScorecardFile)
			if err != nil {
				return err
			}
			consumed, err := store.ExpensiveConsumption(cmd.Context(), runID)
			if err != nil {
				return err
			}
			ledger := quota.NewLedger(cfg.Quota.GlobalBudget, cfg.Quota.PerAgentBudget)
			ledger.Restore(consumed)
			fmt.Print(round.BuildReport(cfg, st, weights, ledger.Snapshot()))
			return nil
		},
	}
}
