// Package state owns the durable record of a run: every agent result is
// appended once, and the run state is derived by folding over the log, which
// makes resume naturally idempotent.
package state

import (
	"errors"
	"time"

	"github.com/metalagman/quorum/internal/contract"
	"github.com/metalagman/quorum/internal/quota"
)

// ErrPersistence marks store failures. Persistence failures are fatal to a
// run: without a durable record, resume guarantees are void.
var ErrPersistence = errors.New("state persistence failure")

// ExitStatus classifies how an agent process finished.
type ExitStatus string

const (
	ExitOK           ExitStatus = "ok"
	ExitTimeout      ExitStatus = "timeout"
	ExitProcessError ExitStatus = "process_error"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Stop reasons, in evaluation precedence order.
const (
	StopKilled          = "killed"
	StopContractFailure = "contract_failure"
	StopComplete        = "complete"
	StopBelowThreshold  = "below_threshold"
)

// AgentTask is one unit of work assigned to a seat in a round.
type AgentTask struct {
	AgentID       string
	Round         int
	Attempt       int
	ResourceClass quota.Class
	Timeout       time.Duration
	Prompt        string
	RepairReasons []string
}

// AgentResult is the outcome of one executed AgentTask. ExitStatus "ok" does
// not imply a valid decision; contract validation is recorded separately.
type AgentResult struct {
	AgentID       string
	Round         int
	Attempt       int
	ExitStatus    ExitStatus
	ResourceClass quota.Class
	Duration      time.Duration
	OutputPath    string
	Decision      *contract.DecisionRecord
	Valid         bool
	Reasons       []string
}

// AgentRound keys per-agent-per-round state.
type AgentRound struct {
	AgentID string
	Round   int
}

// AgentStatus is the latest-attempt outcome for one (agent, round) pair.
type AgentStatus struct {
	Attempt    int
	ExitStatus ExitStatus
	Valid      bool
	Reasons    []string
}

// RunState is the snapshot of overall progress rehydrated from the store.
type RunState struct {
	RunID        string
	Goal         string
	RunDir       string
	Status       string
	StopReason   string
	CurrentRound int
	MaxRounds    int
	Agents       map[AgentRound]AgentStatus
	Decisions    map[AgentRound]*contract.DecisionRecord
}

// NewRunState returns an empty state for a fresh run.
func NewRunState(runID, goal, runDir string, maxRounds int) RunState {
	return RunState{
		RunID:        runID,
		Goal:         goal,
		RunDir:       runDir,
		Status:       StatusRunning,
		CurrentRound: 1,
		MaxRounds:    maxRounds,
		Agents:       make(map[AgentRound]AgentStatus),
		Decisions:    make(map[AgentRound]*contract.DecisionRecord),
	}
}

// Apply folds one result into the state. Results arrive in attempt order per
// (agent, round); the latest attempt wins.
func (s *RunState) Apply(res AgentResult) {
	key := AgentRound{AgentID: res.AgentID, Round: res.Round}
	if prev, ok := s.Agents[key]; ok && prev.Attempt > res.Attempt {
		return
	}
	s.Agents[key] = AgentStatus{
		Attempt:    res.Attempt,
		ExitStatus: res.ExitStatus,
		Valid:      res.Valid,
		Reasons:    res.Reasons,
	}
	if res.Valid {
		s.Decisions[key] = res.Decision
	} else {
		delete(s.Decisions, key)
	}
}

// Completed reports whether the (agent, round) pair needs no further work:
// either it produced a valid decision or its repair attempts are exhausted.
func (s *RunState) Completed(agentID string, round, repairAttempts int) bool {
	st, ok := s.Agents[AgentRound{AgentID: agentID, Round: round}]
	if !ok {
		return false
	}
	return st.Valid || st.Attempt >= repairAttempts
}
