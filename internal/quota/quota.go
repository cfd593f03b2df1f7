// Package quota tracks expensive-resource-class consumption against global
// and per-agent budgets.
package quota

// Class names the resource class an agent task runs under.
type Class string

const (
	// ClassCheap is never budget-tracked.
	ClassCheap Class = "cheap"
	// ClassExpensive is admission-controlled by the ledger.
	ClassExpensive Class = "expensive"
)

// ParseClass maps a config string onto a Class, defaulting to cheap.
func ParseClass(s string) Class {
	if s == string(ClassExpensive) {
		return ClassExpensive
	}
	return ClassCheap
}

// Ledger tracks expensive-class consumption for one run. A budget of 0 means
// unlimited. The ledger is owned exclusively by the scheduler's control
// goroutine; it carries no locking of its own.
type Ledger struct {
	globalBudget    int
	perAgentBudget  int
	globalConsumed  int
	consumedByAgent map[string]int
}

// Snapshot is a read-only copy of ledger counters for reporting.
type Snapshot struct {
	GlobalBudget   int
	PerAgentBudget int
	GlobalConsumed int
	ByAgent        map[string]int
}

// NewLedger creates a ledger with the given budgets.
func NewLedger(globalBudget, perAgentBudget int) *Ledger {
	return &Ledger{
		globalBudget:    globalBudget,
		perAgentBudget:  perAgentBudget,
		consumedByAgent: make(map[string]int),
	}
}

// TryAdmit reports whether a task for agentID may run under class. Cheap is
// always admitted. Expensive is admitted only while both budgets have
// headroom. Admission does not consume; call Commit once per admitted task.
func (l *Ledger) TryAdmit(agentID string, class Class) bool {
	if class != ClassExpensive {
		return true
	}
	if l.globalBudget > 0 && l.globalConsumed >= l.globalBudget {
		return false
	}
	if l.perAgentBudget > 0 && l.consumedByAgent[agentID] >= l.perAgentBudget {
		return false
	}
	return true
}

// Commit consumes one expensive-class unit for agentID. It must be called
// exactly once per admitted task; a retried attempt is a fresh admission.
func (l *Ledger) Commit(agentID string, class Class) {
	if class != ClassExpensive {
		return
	}
	l.globalConsumed++
	l.consumedByAgent[agentID]++
}

// Restore rebuilds counters from persisted per-agent consumption, used when
// resuming a run.
func (l *Ledger) Restore(consumed map[string]int) {
	l.globalConsumed = 0
	l.consumedByAgent = make(map[string]int, len(consumed))
	for agentID, n := range consumed {
		l.consumedByAgent[agentID] = n
		l.globalConsumed += n
	}
}

// Snapshot returns a copy of the current counters.
func (l *Ledger) Snapshot() Snapshot {
	byAgent := make(map[string]int, len(l.consumedByAgent))
	for agentID, n := range l.consumedByAgent {
		byAgent[agentID] = n
	}
	return Snapshot{
		GlobalBudget:   l.globalBudget,
		PerAgentBudget: l.perAgentBudget,
		GlobalConsumed: l.globalConsumed,
		ByAgent:        byAgent,
	}
}
