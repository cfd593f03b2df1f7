// Package round drives the run round loop: build the task set, execute it,
// repair invalid results, then evaluate stop conditions.
package round

import (
	"context"
	"fmt"
	"os"

	"github.com/metalagman/quorum/internal/config"
	"github.com/metalagman/quorum/internal/control"
	"github.com/metalagman/quorum/internal/score"
	"github.com/metalagman/quorum/internal/state"
	"github.com/rs/zerolog/log"
)

// TaskRunner executes one batch of tasks and returns their terminal results.
// Satisfied by *scheduler.Scheduler.
type TaskRunner interface {
	RunRound(ctx context.Context, tasks []state.AgentTask) ([]state.AgentResult, error)
}

// RunUpdater persists round transitions. Satisfied by *state.Store.
type RunUpdater interface {
	UpdateRun(ctx context.Context, runID string, currentRound int, status, stopReason string, event *state.Event) error
}

// Outcome is the terminal result of a run.
type Outcome struct {
	StopReason string
	LastRound  int
	Score      float64
}

// Controller owns the round state machine. It is the single writer of the
// quota ledger and run state; only agent processes run concurrently.
type Controller struct {
	cfg     config.Config
	runner  TaskRunner
	store   RunUpdater
	stop    *control.Stop
	weights score.Weights
	prompts map[string]string
}

// NewController loads the scorecard and seat prompts and returns a controller
// ready to drive a run.
func NewController(cfg config.Config, runner TaskRunner, store RunUpdater, stop *control.Stop) (*Controller, error) {
	weights, err := score.LoadWeights(cfg.Rounds.ScorecardFile)
	if err != nil {
		return nil, err
	}

	prompts := make(map[string]string, len(cfg.Team))
	for _, seat := range cfg.Team {
		if seat.PromptFile == "" {
			continue
		}
		data, err := os.ReadFile(seat.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt for seat %q: %w", seat.ID, err)
		}
		prompts[seat.ID] = string(data)
	}

	return &Controller{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		stop:    stop,
		weights: weights,
		prompts: prompts,
	}, nil
}

// Run drives the state machine from the state's current round to a terminal
// stop reason. Pairs already completed in st are never re-launched, which is
// what makes resume idempotent.
func (c *Controller) Run(ctx context.Context, st *state.RunState) (Outcome, error) {
	round := st.CurrentRound
	if round < 1 {
		round = 1
	}

	for ; round <= st.MaxRounds; round++ {
		log.Info().Str("run_id", st.RunID).Int("round", round).Int("max_rounds", st.MaxRounds).Msg("round start")

		stopped, err := c.runRound(ctx, st, round)
		if err != nil {
			return Outcome{}, err
		}

		roundScore := c.roundScore(st, round)
		reason := c.evaluate(st, round, stopped, roundScore)

		log.Info().
			Str("run_id", st.RunID).
			Int("round", round).
			Float64("score", roundScore).
			Str("stop_reason", reason).
			Msg("round evaluated")

		if reason != "" {
			st.Status = state.StatusStopped
			st.StopReason = reason
			st.CurrentRound = round
			event := &state.Event{
				Type:    "run_stopped",
				Message: fmt.Sprintf("stopped after round %d: %s (score %.1f)", round, reason, roundScore),
			}
			if err := c.store.UpdateRun(ctx, st.RunID, round, state.StatusStopped, reason, event); err != nil {
				return Outcome{}, err
			}
			return Outcome{StopReason: reason, LastRound: round, Score: roundScore}, nil
		}

		st.CurrentRound = round + 1
		event := &state.Event{
			Type:    "round_completed",
			Message: fmt.Sprintf("round %d completed (score %.1f)", round, roundScore),
		}
		if err := c.store.UpdateRun(ctx, st.RunID, round+1, state.StatusRunning, "", event); err != nil {
			return Outcome{}, err
		}
	}

	// Unreachable: evaluate always stops at st.MaxRounds.
	return Outcome{StopReason: state.StopComplete, LastRound: st.MaxRounds}, nil
}

// runRound executes pending tasks for the round until every seat is complete,
// re-issuing invalid seats with the validator's reasons. Returns stopped=true
// when the external stop signal interrupted the round.
func (c *Controller) runRound(ctx context.Context, st *state.RunState, round int) (bool, error) {
	for {
		if c.stop.Requested() {
			return true, nil
		}
		tasks := c.pendingTasks(st, round)
		if len(tasks) == 0 {
			return false, nil
		}
		results, err := c.runner.RunRound(ctx, tasks)
		if err != nil {
			return false, err
		}
		for _, res := range results {
			st.Apply(res)
		}
		if len(results) < len(tasks) && c.stop.Requested() {
			return true, nil
		}
	}
}

// evaluate checks stop conditions in precedence order: external stop, then
// fail-closed contract failure, then round exhaustion, then the score
// threshold. An empty reason advances to the next round.
func (c *Controller) evaluate(st *state.RunState, round int, stopped bool, roundScore float64) string {
	if stopped || c.stop.Requested() {
		return state.StopKilled
	}

	if c.cfg.Rounds.RequireDecision {
		if failed := c.invalidSeats(st, round); len(failed) > 0 {
			if c.cfg.Rounds.FailClosed {
				return state.StopContractFailure
			}
			log.Warn().
				Str("run_id", st.RunID).
				Int("round", round).
				Strs("seats", failed).
				Msg("seats without a valid decision, advancing anyway")
		}
	}

	if round >= st.MaxRounds {
		return state.StopComplete
	}

	if threshold := c.cfg.Rounds.FailBelowScore; threshold > 0 && roundScore < threshold {
		return state.StopBelowThreshold
	}

	return ""
}

func (c *Controller) invalidSeats(st *state.RunState, round int) []string {
	var failed []string
	for _, seat := range c.cfg.Team {
		status, ok := st.Agents[state.AgentRound{AgentID: seat.ID, Round: round}]
		if !ok || !status.Valid {
			failed = append(failed, seat.ID)
		}
	}
	return failed
}

func (c *Controller) roundScore(st *state.RunState, round int) float64 {
	seats := make([]string, 0, len(c.cfg.Team))
	valid := make(map[string]bool, len(c.cfg.Team))
	for _, seat := range c.cfg.Team {
		seats = append(seats, seat.ID)
		if status, ok := st.Agents[state.AgentRound{AgentID: seat.ID, Round: round}]; ok {
			valid[seat.ID] = status.Valid
		}
	}
	return score.Round(seats, valid, c.weights)
}
