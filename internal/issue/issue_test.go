package issue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// This mirrors the concrete scenario from the specification's testable
// properties: r(root, open, prio 3), a(parent=r, open, prio 2,
// tags=[node:agent]), b(parent=r, open, prio 1, tags=[node:agent],
// blocks: a), c(parent=r, closed, outcome=success). ReadyLeaves with
// rootId=r and tags=[node:agent] must return [b].
func TestReadyLeavesConcreteScenario(t *testing.T) {
	issues := []Issue{
		{ID: "r", Status: StatusOpen, Priority: 3},
		{ID: "a", Status: StatusOpen, Priority: 2, Tags: []string{"node:agent"},
			Deps: []Dep{{Type: DepParent, Target: "r"}}},
		{ID: "b", Status: StatusOpen, Priority: 1, Tags: []string{"node:agent"},
			Deps: []Dep{{Type: DepParent, Target: "r"}, {Type: DepBlocks, Target: "a"}}},
		{ID: "c", Status: StatusClosed, Outcome: OutcomeSuccess,
			Deps: []Dep{{Type: DepParent, Target: "r"}}},
	}

	ready := ReadyLeaves(issues, ReadyOptions{RootID: "r", Tags: []string{"node:agent"}})

	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].ID)
}

func TestReadyLeavesOrderingByPriorityThenID(t *testing.T) {
	issues := []Issue{
		{ID: "z", Status: StatusOpen, Priority: 1},
		{ID: "a", Status: StatusOpen, Priority: 1},
		{ID: "m", Status: StatusOpen, Priority: 0}, // defaults to 3
	}

	ready := ReadyLeaves(issues, ReadyOptions{})
	require.Len(t, ready, 3)
	require.Equal(t, []string{"a", "z", "m"}, []string{ready[0].ID, ready[1].ID, ready[2].ID})
}

func TestReadyLeavesDeterministicAcrossInvocations(t *testing.T) {
	issues := []Issue{
		{ID: "a", Status: StatusOpen, Priority: 2},
		{ID: "b", Status: StatusOpen, Priority: 1},
		{ID: "c", Status: StatusOpen, Priority: 1},
	}

	first := ReadyLeaves(issues, ReadyOptions{})
	second := ReadyLeaves(issues, ReadyOptions{})
	require.Equal(t, first, second)
}

func TestSubtreeIDsBFS(t *testing.T) {
	issues := []Issue{
		{ID: "r"},
		{ID: "a", Deps: []Dep{{Type: DepParent, Target: "r"}}},
		{ID: "b", Deps: []Dep{{Type: DepParent, Target: "a"}}},
		{ID: "unrelated"},
	}

	ids := SubtreeIDs(issues, "r")
	require.ElementsMatch(t, []string{"r", "a", "b"}, ids)
}

func TestRetryableDagCandidates(t *testing.T) {
	issues := []Issue{
		{ID: "a", Status: StatusClosed, Outcome: OutcomeFailure},
		{ID: "b", Status: StatusClosed, Outcome: OutcomeNeedsWork},
		{ID: "c", Status: StatusClosed, Outcome: OutcomeSuccess},
		{ID: "d", Status: StatusClosed, Outcome: OutcomeExpanded},
	}

	out := RetryableDagCandidates(issues, RetryableOptions{
		RetryOutcomes: []Outcome{OutcomeFailure, OutcomeNeedsWork},
		MaxAttempts:   3,
	})

	require.Len(t, out, 3)
	ids := []string{out[0].ID, out[1].ID, out[2].ID}
	require.ElementsMatch(t, []string{"a", "b", "d"}, ids)
}

func TestRetryableDagCandidatesRespectsMaxAttempts(t *testing.T) {
	issues := []Issue{
		{ID: "a", Status: StatusClosed, Outcome: OutcomeFailure},
	}

	out := RetryableDagCandidates(issues, RetryableOptions{
		RetryOutcomes:     []Outcome{OutcomeFailure},
		AttemptsByIssueID: map[string]int{"a": 3},
		MaxAttempts:       3,
	})

	require.Empty(t, out)
}

func TestCollapsible(t *testing.T) {
	issues := []Issue{
		{ID: "p", Status: StatusClosed, Outcome: OutcomeExpanded},
		{ID: "c1", Status: StatusClosed, Outcome: OutcomeSuccess, Deps: []Dep{{Type: DepParent, Target: "p"}}},
		{ID: "c2", Status: StatusClosed, Outcome: OutcomeRefine, Deps: []Dep{{Type: DepParent, Target: "p"}}},
	}

	out := Collapsible(issues, "p")
	require.Len(t, out, 1)
	require.Equal(t, "p", out[0].ID)
}

func TestCollapsibleNotAllTerminal(t *testing.T) {
	issues := []Issue{
		{ID: "p", Status: StatusClosed, Outcome: OutcomeExpanded},
		{ID: "c1", Status: StatusOpen, Deps: []Dep{{Type: DepParent, Target: "p"}}},
	}

	out := Collapsible(issues, "p")
	require.Empty(t, out)
}

func TestValidateDagAllWorkCompleted(t *testing.T) {
	issues := []Issue{
		{ID: "r", Status: StatusClosed, Outcome: OutcomeSuccess},
		{ID: "a", Status: StatusClosed, Outcome: OutcomeSuccess, Deps: []Dep{{Type: DepParent, Target: "r"}}},
	}

	result := ValidateDag(issues, "r")
	require.True(t, result.IsFinal)
	require.Equal(t, "all work completed", result.Reason)
}

func TestValidateDagNeedsWork(t *testing.T) {
	issues := []Issue{
		{ID: "r", Status: StatusOpen},
		{ID: "a", Status: StatusClosed, Outcome: OutcomeFailure, Deps: []Dep{{Type: DepParent, Target: "r"}}},
	}

	result := ValidateDag(issues, "r")
	require.False(t, result.IsFinal)
	require.Contains(t, result.Reason, "needs work")
}

func TestValidateDagExpandedWithoutChildren(t *testing.T) {
	issues := []Issue{
		{ID: "r", Status: StatusOpen},
		{ID: "a", Status: StatusClosed, Outcome: OutcomeExpanded, Deps: []Dep{{Type: DepParent, Target: "r"}}},
	}

	result := ValidateDag(issues, "r")
	require.False(t, result.IsFinal)
	require.Contains(t, result.Reason, "expanded without children")
}

func TestValidateDagAllChildrenClosedRootOpen(t *testing.T) {
	issues := []Issue{
		{ID: "r", Status: StatusOpen},
		{ID: "a", Status: StatusClosed, Outcome: OutcomeSuccess, Deps: []Dep{{Type: DepParent, Target: "r"}}},
	}

	result := ValidateDag(issues, "r")
	require.False(t, result.IsFinal)
	require.Equal(t, "all children closed, root still open", result.Reason)
}

func TestValidateDagDetectsCycle(t *testing.T) {
	issues := []Issue{
		{ID: "r"},
		{ID: "a", Deps: []Dep{{Type: DepParent, Target: "r"}}},
		{ID: "b", Deps: []Dep{{Type: DepParent, Target: "a"}}},
	}
	// Corrupt: make "a" also a parent-target of "b", creating a cycle a->b->a.
	issues[1].Deps = append(issues[1].Deps, Dep{Type: DepParent, Target: "b"})

	result := ValidateDag(issues, "r")
	require.False(t, result.IsFinal)
	require.Contains(t, result.Reason, "cycle detected")
}
