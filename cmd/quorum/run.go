package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/metalagman/quorum/internal/agent"
	"github.com/metalagman/quorum/internal/config"
	"github.com/metalagman/quorum/internal/control"
	"github.com/metalagman/quorum/internal/quota"
	"github.com/metalagman/quorum/internal/round"
	"github.com/metalagman/quorum/internal/scheduler"
	"github.com/metalagman/quorum/internal/score"
	"github.com/metalagman/quorum/internal/state"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var resume bool
	var resumeRunID string
	cmd := &cobra.Command{
		Use:          "run [goal]",
		Short:        "Run the agent team through debate rounds on a goal",
		SilenceUsage: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("at most one goal argument")
			}
			return nil
		},
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

			quorumDir := filepath.Join(repoRoot, ".quorum")
			lock, err := control.AcquireRunLock(quorumDir)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			// A stale stop flag from a previous run must not kill this one.
			if err := control.Clear(quorumDir); err != nil {
				return err
			}

			// OS signals feed the stop signal only. Execution and store
			// writes keep the command context: a stop lets in-flight agents
			// finish (or hit their own timeout) and their results must still
			// be persisted after the signal arrives.
			ctx := cmd.Context()
			sigCtx, cancelSig := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancelSig()
			stop := control.NewStop(sigCtx, quorumDir)

			store := state.NewStore(storeDB)
			ledger := quota.NewLedger(cfg.Quota.GlobalBudget, cfg.Quota.PerAgentBudget)

			var st state.RunState
			if resume {
				runID := resumeRunID
				if runID == "" {
					if runID, err = store.LatestRunID(ctx); err != nil {
						return err
					}
					if runID == "" {
						return fmt.Errorf("no runs to resume")
					}
				}
				if st, err = store.LoadRunState(ctx, runID); err != nil {
					return err
				}
				if st.Status == state.StatusStopped {
					return fmt.Errorf("run %s already stopped (%s)", runID, st.StopReason)
				}
				consumed, err := store.ExpensiveConsumption(ctx, runID)
				if err != nil {
					return err
				}
				ledger.Restore(consumed)
				log.Info().Str("run_id", runID).Int("round", st.CurrentRound).Msg("resuming run")
			} else {
				if len(args) == 0 {
					return fmt.Errorf("goal argument is required (or use --resume)")
				}
				runID, err := newRunID()
				if err != nil {
					return err
				}
				runDir := filepath.Join(quorumDir, "runs", runID)
				if err := os.MkdirAll(runDir, 0o755); err != nil {
					return fmt.Errorf("create run dir: %w", err)
				}
				if err := store.CreateRun(ctx, runID, args[0], runDir, cfg.Rounds.MaxRounds); err != nil {
					return err
				}
				st = state.NewRunState(runID, args[0], runDir, cfg.Rounds.MaxRounds)
				log.Info().Str("run_id", runID).Str("run_dir", runDir).Msg("starting run")
			}

			runners, err := seatRunners(cfg)
			if err != nil {
				return err
			}

			sched := scheduler.New(scheduler.Config{
				MaxParallel:       cfg.Scheduler.MaxParallel,
				PerConsole:        cfg.Scheduler.PerConsole,
				DowngradeOnDenial: cfg.Scheduler.DowngradeOnDenial,
			}, st.RunID, st.Goal, st.RunDir, ledger, runners, store, stop)

			ctrl, err := round.NewController(cfg, sched, store, stop)
			if err != nil {
				return err
			}

			out, err := ctrl.Run(ctx, &st)
			if err != nil {
				return err
			}

			weights, err := score.LoadWeights(cfg.Rounds.ScorecardFile)
			if err != nil {
				return err
			}
			report := round.BuildReport(cfg, st, weights, ledger.Snapshot())
			if err := round.WriteReport(st.RunDir, report); err != nil {
				return err
			}
			fmt.Print(report)

			log.Info().
				Str("run_id", st.RunID).
				Str("stop_reason", out.StopReason).
				Int("last_round", out.LastRound).
				Float64("score", out.Score).
				Msg("run finished")
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the latest (or --run) unfinished run")
	cmd.Flags().StringVar(&resumeRunID, "run", "", "run id to resume")
	return cmd
}

func seatRunners(cfg config.Config) (map[string]agent.Runner, error) {
	runners := make(map[string]agent.Runner, len(cfg.Team))
	for _, seat := range cfg.Team {
		r, err := agent.NewRunner(cfg.Agents[seat.Agent])
		if err != nil {
			return nil, fmt.Errorf("seat %q: %w", seat.ID, err)
		}
		info := r.Describe()
		log.Info().
			Str("seat", seat.ID).
			Str("agent", seat.Agent).
			Str("type", info.Type).
			Strs("cmd", info.Cmd).
			Msg("seat runner ready")
		runners[seat.ID] = r
	}
	return runners, nil
}

func newRunID() (string, error) {
	suffix, err := randomHex(3)
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, suffix), nil
}

func randomHex(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
