package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metalagman/quorum/internal/contract"
	"github.com/metalagman/quorum/internal/quota"
)

// Store persists runs, agent results, and audit events.
type Store struct {
	db *sql.DB
}

// NewStore creates a store for run persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Event is an audit log entry attached to a run.
type Event struct {
	Type     string
	Message  string
	DataJSON string
}

// RunSummary is one row of `quorum runs` output.
type RunSummary struct {
	RunID        string
	CreatedAt    string
	Status       string
	StopReason   string
	CurrentRound int
	MaxRounds    int
}

// CreateRun inserts the run record and a run_started event.
func (s *Store) CreateRun(ctx context.Context, runID, goal, runDir string, maxRounds int) error {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin create run: %v", ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, goal, status, stop_reason, current_round, max_rounds, run_dir)
		VALUES(?, ?, ?, ?, NULL, ?, ?, ?)`,
		runID, createdAt, goal, StatusRunning, 1, maxRounds, runDir); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: insert run: %v", ErrPersistence, err)
	}
	if err := insertEvent(ctx, tx, runID, "run_started", "run started", ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit create run: %v", ErrPersistence, err)
	}
	return nil
}

// AppendResult durably records one agent result together with its audit
// event. Results are append-only; a (run, round, agent, attempt) key is
// written at most once.
func (s *Store) AppendResult(ctx context.Context, runID string, res AgentResult) error {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	reasonsJSON, err := json.Marshal(res.Reasons)
	if err != nil {
		return fmt.Errorf("%w: marshal reasons: %v", ErrPersistence, err)
	}
	var decisionJSON []byte
	if res.Decision != nil {
		if decisionJSON, err = json.Marshal(res.Decision); err != nil {
			return fmt.Errorf("%w: marshal decision: %v", ErrPersistence, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin append result: %v", ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agent_results(run_id, round, agent_id, attempt, exit_status, resource_class, duration_ms, output_path, valid, reasons_json, decision_json, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Round, res.AgentID, res.Attempt, string(res.ExitStatus), string(res.ResourceClass),
		res.Duration.Milliseconds(), res.OutputPath, boolToInt(res.Valid), string(reasonsJSON), nullableString(string(decisionJSON)), createdAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: insert result: %v", ErrPersistence, err)
	}
	msg := fmt.Sprintf("agent %s round %d attempt %d: %s", res.AgentID, res.Round, res.Attempt, res.ExitStatus)
	if err := insertEvent(ctx, tx, runID, "agent_result", msg, ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit append result: %v", ErrPersistence, err)
	}
	return nil
}

// UpdateRun applies a round/status update and optional event in one
// transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, currentRound int, status, stopReason string, event *Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin update run: %v", ErrPersistence, err)
	}
	if event != nil {
		if err := insertEvent(ctx, tx, runID, event.Type, event.Message, event.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET current_round=?, status=?, stop_reason=? WHERE run_id=?`,
		currentRound, status, nullableString(stopReason), runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: update run: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit update run: %v", ErrPersistence, err)
	}
	return nil
}

// InsertEvent records a standalone audit event.
func (s *Store) InsertEvent(ctx context.Context, runID string, event Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin insert event: %v", ErrPersistence, err)
	}
	if err := insertEvent(ctx, tx, runID, event.Type, event.Message, event.DataJSON); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit insert event: %v", ErrPersistence, err)
	}
	return nil
}

// LoadRunState rehydrates a RunState by folding over the result log.
func (s *Store) LoadRunState(ctx context.Context, runID string) (RunState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT goal, status, COALESCE(stop_reason, ''), current_round, max_rounds, run_dir FROM runs WHERE run_id=?`, runID)
	var goal, status, stopReason, runDir string
	var currentRound, maxRounds int
	if err := row.Scan(&goal, &status, &stopReason, &currentRound, &maxRounds, &runDir); err != nil {
		if err == sql.ErrNoRows {
			return RunState{}, fmt.Errorf("run %s not found", runID)
		}
		return RunState{}, fmt.Errorf("%w: read run: %v", ErrPersistence, err)
	}

	st := NewRunState(runID, goal, runDir, maxRounds)
	st.Status = status
	st.StopReason = stopReason
	st.CurrentRound = currentRound

	rows, err := s.db.QueryContext(ctx, `SELECT round, agent_id, attempt, exit_status, resource_class, duration_ms, output_path, valid, reasons_json, COALESCE(decision_json, '')
		FROM agent_results WHERE run_id=? ORDER BY round, agent_id, attempt`, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("%w: read results: %v", ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		var res AgentResult
		var exitStatus, resourceClass, reasonsJSON, decisionJSON string
		var durationMs int64
		var valid int
		if err := rows.Scan(&res.Round, &res.AgentID, &res.Attempt, &exitStatus, &resourceClass,
			&durationMs, &res.OutputPath, &valid, &reasonsJSON, &decisionJSON); err != nil {
			return RunState{}, fmt.Errorf("%w: scan result: %v", ErrPersistence, err)
		}
		res.ExitStatus = ExitStatus(exitStatus)
		res.ResourceClass = quota.Class(resourceClass)
		res.Duration = time.Duration(durationMs) * time.Millisecond
		res.Valid = valid != 0
		if reasonsJSON != "" {
			_ = json.Unmarshal([]byte(reasonsJSON), &res.Reasons)
		}
		if decisionJSON != "" {
			var rec contract.DecisionRecord
			if err := json.Unmarshal([]byte(decisionJSON), &rec); err == nil {
				res.Decision = &rec
			}
		}
		st.Apply(res)
	}
	if err := rows.Err(); err != nil {
		return RunState{}, fmt.Errorf("%w: iterate results: %v", ErrPersistence, err)
	}
	return st, nil
}

// ExpensiveConsumption counts persisted expensive-class results per agent,
// used to rebuild the quota ledger on resume. A crash between an in-memory
// commit and its persisted result under-reports one unit; it never
// double-counts.
func (s *Store) ExpensiveConsumption(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, COUNT(*) FROM agent_results
		WHERE run_id=? AND resource_class=? GROUP BY agent_id`, runID, string(quota.ClassExpensive))
	if err != nil {
		return nil, fmt.Errorf("%w: read consumption: %v", ErrPersistence, err)
	}
	defer rows.Close()

	consumed := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("%w: scan consumption: %v", ErrPersistence, err)
		}
		consumed[agentID] = n
	}
	return consumed, rows.Err()
}

// ListRuns returns run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, created_at, status, COALESCE(stop_reason, ''), current_round, max_rounds
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &r.Status, &r.StopReason, &r.CurrentRound, &r.MaxRounds); err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", ErrPersistence, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunID returns the id of the newest run, or empty when none exist.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id FROM runs ORDER BY created_at DESC LIMIT 1`)
	var runID string
	if err := row.Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("%w: read latest run: %v", ErrPersistence, err)
	}
	return runID, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, dataJSON string) error {
	seq, err := nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("%w: insert event: %v", ErrPersistence, err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: read event seq: %v", ErrPersistence, err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
