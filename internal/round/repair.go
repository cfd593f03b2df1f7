package round

import (
	"time"

	"github.com/metalagman/quorum/internal/quota"
	"github.com/metalagman/quorum/internal/state"
)

// pendingTasks builds the next attempt for every seat that still owes this
// round a terminal result: seats with no result yet start at attempt 0, and
// seats whose latest attempt failed are re-issued at attempt+1 carrying the
// previous failure reasons, until repair attempts are exhausted. Completed
// pairs are skipped, so a resumed run never repeats finished work.
func (c *Controller) pendingTasks(st *state.RunState, round int) []state.AgentTask {
	var tasks []state.AgentTask
	for _, seat := range c.cfg.Team {
		if st.Completed(seat.ID, round, c.cfg.Repair.Attempts) {
			continue
		}

		attempt := 0
		var reasons []string
		if prev, ok := st.Agents[state.AgentRound{AgentID: seat.ID, Round: round}]; ok {
			attempt = prev.Attempt + 1
			reasons = prev.Reasons
		}

		tasks = append(tasks, state.AgentTask{
			AgentID:       seat.ID,
			Round:         round,
			Attempt:       attempt,
			ResourceClass: quota.ParseClass(seat.ResourceClass),
			Timeout:       time.Duration(seat.TimeoutSeconds) * time.Second,
			Prompt:        c.prompts[seat.ID],
			RepairReasons: reasons,
		})
	}
	return tasks
}
