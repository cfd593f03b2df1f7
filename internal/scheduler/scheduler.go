// Package scheduler runs one round's agent tasks on a bounded pool of slots.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/metalagman/quorum/internal/agent"
	"github.com/metalagman/quorum/internal/contract"
	"github.com/metalagman/quorum/internal/control"
	"github.com/metalagman/quorum/internal/quota"
	"github.com/metalagman/quorum/internal/state"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config bounds slot allocation for a run.
type Config struct {
	MaxParallel       int
	PerConsole        int
	DowngradeOnDenial bool
}

// ResultSink receives every finished task result before the round proceeds.
// Satisfied by *state.Store.
type ResultSink interface {
	AppendResult(ctx context.Context, runID string, res state.AgentResult) error
	InsertEvent(ctx context.Context, runID string, event state.Event) error
}

// TaskInput is the structured record written to input.json in the task
// directory and handed to the agent process.
type TaskInput struct {
	RunID         string   `json:"run_id"`
	Round         int      `json:"round"`
	AgentID       string   `json:"agent_id"`
	Attempt       int      `json:"attempt"`
	Goal          string   `json:"goal"`
	Contract      string   `json:"contract"`
	Prompt        string   `json:"prompt"`
	RepairReasons []string `json:"repair_reasons,omitempty"`
}

// Scheduler admits and executes agent tasks. Admission, quota mutation, and
// launch ordering all happen on the calling goroutine; only the agent
// processes themselves run concurrently.
type Scheduler struct {
	cfg      Config
	runID    string
	goal     string
	runDir   string
	ledger   *quota.Ledger
	runners  map[string]agent.Runner
	sink     ResultSink
	stop     *control.Stop
	validate func(string) contract.Result
}

// New creates a scheduler for one run.
func New(cfg Config, runID, goal, runDir string, ledger *quota.Ledger, runners map[string]agent.Runner, sink ResultSink, stop *control.Stop) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.PerConsole <= 0 {
		cfg.PerConsole = 1
	}
	return &Scheduler{
		cfg:      cfg,
		runID:    runID,
		goal:     goal,
		runDir:   runDir,
		ledger:   ledger,
		runners:  runners,
		sink:     sink,
		stop:     stop,
		validate: contract.Validate,
	}
}

// RunRound executes the given tasks, launching in list order, bounded by
// MaxParallel slots. Tasks are batched into console groups of PerConsole
// that share one slot and run sequentially. Every result is persisted before
// it is returned; a persistence failure aborts the round.
//
// The stop signal is checked before each launch, both at enqueue time and
// again when a queued task reaches its slot: remaining tasks are not started,
// already-running ones finish or hit their timeout.
func (s *Scheduler) RunRound(ctx context.Context, tasks []state.AgentTask) ([]state.AgentResult, error) {
	results := make([]*state.AgentResult, len(tasks))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxParallel)

	var batch []int
	flush := func() {
		if len(batch) == 0 {
			return
		}
		group := batch
		batch = nil
		g.Go(func() error {
			for _, i := range group {
				// A task can sit queued behind the slot limit or behind
				// earlier group members for a long time; re-check the stop
				// signal at launch time, not just at enqueue time.
				if s.stop.Requested() {
					log.Warn().
						Str("run_id", s.runID).
						Str("agent_id", tasks[i].AgentID).
						Msg("stop requested, skipping queued task")
					continue
				}
				res := s.execute(ctx, tasks[i])
				if err := s.sink.AppendResult(ctx, s.runID, res); err != nil {
					return err
				}
				results[i] = &res
			}
			return nil
		})
	}

	for i := range tasks {
		if s.stop.Requested() {
			log.Warn().
				Str("run_id", s.runID).
				Str("agent_id", tasks[i].AgentID).
				Msg("stop requested, not launching remaining tasks")
			break
		}
		t := &tasks[i]

		// Admission and ledger mutation stay on this goroutine; the
		// ledger has a single owner and needs no locking.
		if t.ResourceClass == quota.ClassExpensive && !s.ledger.TryAdmit(t.AgentID, t.ResourceClass) {
			if s.cfg.DowngradeOnDenial {
				log.Info().Str("agent_id", t.AgentID).Int("round", t.Round).Msg("quota denied, downgrading to cheap")
				if err := s.sink.InsertEvent(ctx, s.runID, state.Event{
					Type:    "quota_downgrade",
					Message: fmt.Sprintf("agent %s round %d downgraded to cheap", t.AgentID, t.Round),
				}); err != nil {
					return nil, err
				}
				t.ResourceClass = quota.ClassCheap
			} else {
				log.Warn().Str("agent_id", t.AgentID).Int("round", t.Round).Msg("quota denied, skipping task")
				res := state.AgentResult{
					AgentID:       t.AgentID,
					Round:         t.Round,
					Attempt:       t.Attempt,
					ExitStatus:    state.ExitProcessError,
					ResourceClass: t.ResourceClass,
					Reasons:       []string{"quota_denied"},
				}
				if err := s.sink.AppendResult(ctx, s.runID, res); err != nil {
					return nil, err
				}
				if err := s.sink.InsertEvent(ctx, s.runID, state.Event{
					Type:    "quota_denied",
					Message: fmt.Sprintf("agent %s round %d denied expensive class", t.AgentID, t.Round),
				}); err != nil {
					return nil, err
				}
				results[i] = &res
				continue
			}
		}
		s.ledger.Commit(t.AgentID, t.ResourceClass)

		batch = append(batch, i)
		if len(batch) >= s.cfg.PerConsole {
			flush()
		}
	}
	flush()

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]state.AgentResult, 0, len(tasks))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Scheduler) execute(ctx context.Context, t state.AgentTask) state.AgentResult {
	res := state.AgentResult{
		AgentID:       t.AgentID,
		Round:         t.Round,
		Attempt:       t.Attempt,
		ResourceClass: t.ResourceClass,
	}

	runner, ok := s.runners[t.AgentID]
	if !ok {
		res.ExitStatus = state.ExitProcessError
		res.Reasons = []string{"no runner configured"}
		return res
	}

	taskDir := s.taskDir(t)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		res.ExitStatus = state.ExitProcessError
		res.Reasons = []string{fmt.Sprintf("create task dir: %v", err)}
		return res
	}

	input := TaskInput{
		RunID:         s.runID,
		Round:         t.Round,
		AgentID:       t.AgentID,
		Attempt:       t.Attempt,
		Goal:          s.goal,
		Contract:      contract.Instructions,
		Prompt:        t.Prompt,
		RepairReasons: t.RepairReasons,
	}
	if err := writeJSON(filepath.Join(taskDir, "input.json"), input); err != nil {
		res.ExitStatus = state.ExitProcessError
		res.Reasons = []string{err.Error()}
		return res
	}

	outputPath := filepath.Join(taskDir, "output.txt")
	outputFile, err := os.Create(outputPath)
	if err != nil {
		res.ExitStatus = state.ExitProcessError
		res.Reasons = []string{fmt.Sprintf("create output file: %v", err)}
		return res
	}
	defer func() {
		if cErr := outputFile.Close(); cErr != nil {
			log.Warn().Err(cErr).Msg("failed to close output file")
		}
	}()
	res.OutputPath = outputPath

	log.Info().
		Str("run_id", s.runID).
		Str("agent_id", t.AgentID).
		Int("round", t.Round).
		Int("attempt", t.Attempt).
		Str("resource_class", string(t.ResourceClass)).
		Dur("timeout", t.Timeout).
		Msg("agent start")

	cctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	started := time.Now()
	combined, exitCode, runErr := runner.Run(cctx, agent.Invocation{
		Dir:    taskDir,
		Prompt: t.Prompt,
		Input:  input,
	}, outputFile)
	res.Duration = time.Since(started)

	finishEvent := log.Info().
		Str("run_id", s.runID).
		Str("agent_id", t.AgentID).
		Int("round", t.Round).
		Int("attempt", t.Attempt).
		Int("exit_code", exitCode).
		Dur("duration", res.Duration)
	if runErr != nil {
		finishEvent = finishEvent.Err(runErr)
	}
	finishEvent.Msg("agent finished")

	switch {
	case cctx.Err() != nil && ctx.Err() == nil:
		res.ExitStatus = state.ExitTimeout
	case runErr != nil || exitCode != 0:
		res.ExitStatus = state.ExitProcessError
	default:
		res.ExitStatus = state.ExitOK
		vr := s.validate(string(combined))
		res.Valid = vr.Valid
		res.Reasons = vr.Reasons
		res.Decision = vr.Record
		if vr.Valid {
			if err := writeJSON(filepath.Join(taskDir, "decision.json"), vr.Record); err != nil {
				log.Warn().Err(err).Str("agent_id", t.AgentID).Msg("failed to write decision.json")
			}
		}
	}

	return res
}

func (s *Scheduler) taskDir(t state.AgentTask) string {
	name := t.AgentID
	if t.Attempt > 0 {
		name = fmt.Sprintf("%s-retry-%d", t.AgentID, t.Attempt)
	}
	return filepath.Join(s.runDir, "rounds", fmt.Sprintf("%02d", t.Round), name)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
