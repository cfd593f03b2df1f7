package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/metalagman/quorum/internal/contract"
	"github.com/metalagman/quorum/internal/db"
	"github.com/metalagman/quorum/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "quorum.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn)
}

func TestStore_CreateAndLoadRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateRun(ctx, "run-1", "debate the cache design", "/tmp/run-1", 3))

	st, err := store.LoadRunState(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "debate the cache design", st.Goal)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 1, st.CurrentRound)
	assert.Equal(t, 3, st.MaxRounds)
	assert.Empty(t, st.Agents)
}

func TestStore_LoadRunState_FoldsLatestAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, "run-1", "goal", "/tmp/run-1", 2))

	require.NoError(t, store.AppendResult(ctx, "run-1", AgentResult{
		AgentID: "critic-1", Round: 1, Attempt: 0,
		ExitStatus: ExitOK, ResourceClass: quota.ClassCheap,
		Duration: 2 * time.Second, OutputPath: "out-0.txt",
		Valid: false, Reasons: []string{"missing field: confidence"},
	}))
	require.NoError(t, store.AppendResult(ctx, "run-1", AgentResult{
		AgentID: "critic-1", Round: 1, Attempt: 1,
		ExitStatus: ExitOK, ResourceClass: quota.ClassCheap,
		Duration: 3 * time.Second, OutputPath: "out-1.txt",
		Valid:    true,
		Decision: &contract.DecisionRecord{Summary: "fixed", Files: []string{}, Commands: []string{}, Risks: []string{}, Confidence: 0.9},
	}))

	st, err := store.LoadRunState(ctx, "run-1")
	require.NoError(t, err)

	key := AgentRound{AgentID: "critic-1", Round: 1}
	require.Contains(t, st.Agents, key)
	assert.Equal(t, 1, st.Agents[key].Attempt)
	assert.True(t, st.Agents[key].Valid)
	require.Contains(t, st.Decisions, key)
	assert.Equal(t, "fixed", st.Decisions[key].Summary)
}

func TestStore_AppendResult_DuplicateAttemptRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, "run-1", "goal", "/tmp/run-1", 1))

	res := AgentResult{AgentID: "a", Round: 1, Attempt: 0, ExitStatus: ExitOK, ResourceClass: quota.ClassCheap, OutputPath: "o.txt"}
	require.NoError(t, store.AppendResult(ctx, "run-1", res))

	err := store.AppendResult(ctx, "run-1", res)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestStore_ExpensiveConsumption(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, "run-1", "goal", "/tmp/run-1", 2))

	for attempt, class := range []quota.Class{quota.ClassExpensive, quota.ClassCheap} {
		require.NoError(t, store.AppendResult(ctx, "run-1", AgentResult{
			AgentID: "a", Round: 1, Attempt: attempt,
			ExitStatus: ExitOK, ResourceClass: class, OutputPath: "o.txt",
		}))
	}
	require.NoError(t, store.AppendResult(ctx, "run-1", AgentResult{
		AgentID: "b", Round: 1, Attempt: 0,
		ExitStatus: ExitTimeout, ResourceClass: quota.ClassExpensive, OutputPath: "o.txt",
	}))

	consumed, err := store.ExpensiveConsumption(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, consumed)
}

func TestStore_UpdateRunAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, "run-1", "goal", "/tmp/run-1", 2))

	require.NoError(t, store.UpdateRun(ctx, "run-1", 2, StatusStopped, StopComplete,
		&Event{Type: "run_stopped", Message: "complete"}))

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusStopped, runs[0].Status)
	assert.Equal(t, StopComplete, runs[0].StopReason)
	assert.Equal(t, 2, runs[0].CurrentRound)

	latest, err := store.LatestRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", latest)
}

func TestRunState_Completed(t *testing.T) {
	t.Parallel()

	st := NewRunState("r", "g", "/tmp", 2)
	st.Apply(AgentResult{AgentID: "a", Round: 1, Attempt: 0, ExitStatus: ExitOK, Valid: true})
	st.Apply(AgentResult{AgentID: "b", Round: 1, Attempt: 0, ExitStatus: ExitOK, Valid: false})
	st.Apply(AgentResult{AgentID: "c", Round: 1, Attempt: 1, ExitStatus: ExitTimeout, Valid: false})

	const repairAttempts = 1
	assert.True(t, st.Completed("a", 1, repairAttempts), "valid decision completes the pair")
	assert.False(t, st.Completed("b", 1, repairAttempts), "invalid with attempts left must re-run")
	assert.True(t, st.Completed("c", 1, repairAttempts), "attempts exhausted is permanently failed")
	assert.False(t, st.Completed("a", 2, repairAttempts), "other rounds unaffected")
}
