package quota

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryAdmit_CheapAlwaysAllowed(t *testing.T) {
	t.Parallel()

	l := NewLedger(1, 1)
	for i := 0; i < 10; i++ {
		assert.True(t, l.TryAdmit("a", ClassCheap))
		l.Commit("a", ClassCheap)
	}
	assert.Equal(t, 0, l.Snapshot().GlobalConsumed)
}

func TestTryAdmit_GlobalBudget(t *testing.T) {
	t.Parallel()

	l := NewLedger(2, 0)
	agents := []string{"a", "b", "c"}
	admitted := 0
	for _, id := range agents {
		if l.TryAdmit(id, ClassExpensive) {
			l.Commit(id, ClassExpensive)
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)
	assert.False(t, l.TryAdmit("d", ClassExpensive))
}

func TestTryAdmit_ZeroBudgetIsUnlimited(t *testing.T) {
	t.Parallel()

	l := NewLedger(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAdmit("a", ClassExpensive))
		l.Commit("a", ClassExpensive)
	}
	assert.Equal(t, 100, l.Snapshot().GlobalConsumed)
}

func TestTryAdmit_PerAgentBudgetNeverExceeded(t *testing.T) {
	t.Parallel()

	const perAgent = 3
	l := NewLedger(0, perAgent)
	rng := rand.New(rand.NewSource(42))

	// Random admission sequences must never push any agent past its cap.
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("agent-%d", rng.Intn(5))
		if l.TryAdmit(id, ClassExpensive) {
			l.Commit(id, ClassExpensive)
		}
	}
	for id, n := range l.Snapshot().ByAgent {
		assert.LessOrEqual(t, n, perAgent, "agent %s over budget", id)
	}
}

func TestRestore_RebuildsCounters(t *testing.T) {
	t.Parallel()

	l := NewLedger(5, 2)
	l.Restore(map[string]int{"a": 2, "b": 1})

	snap := l.Snapshot()
	assert.Equal(t, 3, snap.GlobalConsumed)
	assert.False(t, l.TryAdmit("a", ClassExpensive))
	assert.True(t, l.TryAdmit("b", ClassExpensive))
}
