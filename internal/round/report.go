package round

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/metalagman/quorum/internal/config"
	"github.com/metalagman/quorum/internal/quota"
	"github.com/metalagman/quorum/internal/score"
	"github.com/metalagman/quorum/internal/state"
)

// BuildReport renders the terminal run report: stop reason, last round,
// per-seat final status, expensive-quota usage, and the threshold verdict
// when a quality gate was configured. Operators use it to tell "ran out of
// rounds" from "quality gate failed" from "killed".
func BuildReport(cfg config.Config, st state.RunState, weights score.Weights, usage quota.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "run:        %s\n", st.RunID)
	if st.Goal != "" {
		fmt.Fprintf(&b, "goal:       %s\n", st.Goal)
	}
	fmt.Fprintf(&b, "status:     %s\n", st.Status)
	if st.StopReason != "" {
		fmt.Fprintf(&b, "stopped:    %s\n", st.StopReason)
	}
	fmt.Fprintf(&b, "round:      %d/%d\n", st.CurrentRound, st.MaxRounds)

	round := st.CurrentRound
	seats := make([]string, 0, len(cfg.Team))
	valid := make(map[string]bool, len(cfg.Team))

	b.WriteString("\nseats:\n")
	for _, seat := range cfg.Team {
		seats = append(seats, seat.ID)
		status, ok := st.Agents[state.AgentRound{AgentID: seat.ID, Round: round}]
		if !ok {
			fmt.Fprintf(&b, "  %-16s not run\n", seat.ID)
			continue
		}
		valid[seat.ID] = status.Valid

		verdict := "invalid"
		if status.Valid {
			verdict = "valid"
		}
		fmt.Fprintf(&b, "  %-16s %s/%s (attempt %d)", seat.ID, status.ExitStatus, verdict, status.Attempt)
		if len(status.Reasons) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(status.Reasons, "; "))
		}
		b.WriteString("\n")
	}

	roundScore := score.Round(seats, valid, weights)
	fmt.Fprintf(&b, "\nscore:      %.1f\n", roundScore)
	if usage.GlobalConsumed > 0 || usage.GlobalBudget > 0 || usage.PerAgentBudget > 0 {
		fmt.Fprintf(&b, "expensive:  %d", usage.GlobalConsumed)
		if usage.GlobalBudget > 0 {
			fmt.Fprintf(&b, "/%d", usage.GlobalBudget)
		}
		if len(usage.ByAgent) > 0 {
			ids := make([]string, 0, len(usage.ByAgent))
			for id := range usage.ByAgent {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			parts := make([]string, 0, len(ids))
			for _, id := range ids {
				parts = append(parts, fmt.Sprintf("%s %d", id, usage.ByAgent[id]))
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
		b.WriteString("\n")
	}
	if threshold := cfg.Rounds.FailBelowScore; threshold > 0 {
		verdict := "met"
		if roundScore < threshold {
			verdict = "not met"
		}
		fmt.Fprintf(&b, "threshold:  %.1f (%s)\n", threshold, verdict)
	}

	return b.String()
}

// WriteReport persists the report as a discoverable artifact in the run
// directory.
func WriteReport(runDir, report string) error {
	path := filepath.Join(runDir, "report.txt")
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
