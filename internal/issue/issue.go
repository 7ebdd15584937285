// Package issue implements the Issue DAG Engine: pure functions over a
// snapshot of issues, grounded on the teacher's ready.go (priority/id
// tie-break ordering, blocker-resolution leniency) and on
// steveyegge-beads' GetReadyWork/DetectCycles/IsBlocked operation
// vocabulary (other_examples/). No I/O, no mutation: every function here
// takes a snapshot and returns a value.
package issue

import "sort"

// Status is an issue's open/in-progress/closed lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// Outcome is set when an issue closes.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeNeedsWork Outcome = "needs_work"
	OutcomeExpanded Outcome = "expanded"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRefine   Outcome = "refine"
)

// DepType is the kind of a dependency edge.
type DepType string

const (
	DepBlocks DepType = "blocks"
	DepParent DepType = "parent"
)

// Dep is one dependency edge from an issue to a target.
type Dep struct {
	Type   DepType `json:"type"`
	Target string  `json:"target"`
}

// Issue is a work item in the graph.
//
// AttemptsByOutcome and CollapsedAt are a SPEC_FULL supplement (not present
// in the distilled data model), mirroring the teacher's split between a hot
// summary and a full record. They are carried through the journal as-is:
// nothing in this package reads or sets them, and RetryableDagCandidates
// takes its attempt counts from RetryableOptions.AttemptsByIssueID instead.
type Issue struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Body              string          `json:"body"`
	Status            Status          `json:"status"`
	Outcome           Outcome         `json:"outcome"`
	Tags              []string        `json:"tags"`
	Deps              []Dep           `json:"deps"`
	Priority          int             `json:"priority"`
	CreatedAt         int64           `json:"created_at"`
	UpdatedAt         int64           `json:"updated_at"`
	AttemptsByOutcome map[Outcome]int `json:"attempts_by_outcome,omitempty"`
	CollapsedAt       int64           `json:"collapsed_at,omitempty"`
}

// DefaultPriority is used when an issue's priority is unset.
const DefaultPriority = 3

func priorityOf(iss Issue) int {
	if iss.Priority == 0 {
		return DefaultPriority
	}
	return iss.Priority
}

func byID(issues []Issue) map[string]Issue {
	m := make(map[string]Issue, len(issues))
	for _, iss := range issues {
		m[iss.ID] = iss
	}
	return m
}

// childrenOf returns the ids of issues whose "parent" dep targets id.
func childrenOf(issues []Issue, id string) []string {
	var out []string
	for _, iss := range issues {
		for _, d := range iss.Deps {
			if d.Type == DepParent && d.Target == id {
				out = append(out, iss.ID)
			}
		}
	}
	return out
}

// SubtreeIDs performs a BFS over "parent" reverse edges, returning rootID
// and all descendants. Cycles are impossible by invariant, but the visited
// set guards against ill-formed input.
func SubtreeIDs(issues []Issue, rootID string) []string {
	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	out := []string{rootID}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, childID := range childrenOf(issues, cur) {
			if visited[childID] {
				continue
			}
			visited[childID] = true
			out = append(out, childID)
			queue = append(queue, childID)
		}
	}

	return out
}

func sortByPriorityThenID(issues []Issue) {
	sort.Slice(issues, func(i, j int) bool {
		pi, pj := priorityOf(issues[i]), priorityOf(issues[j])
		if pi != pj {
			return pi < pj
		}
		return issues[i].ID < issues[j].ID
	})
}

func hasAllTags(iss Issue, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(iss.Tags))
	for _, t := range iss.Tags {
		have[t] = true
	}
	for _, t := range tags {
		if !have[t] {
			return false
		}
	}
	return true
}

// closedNonExpanded reports whether an issue is closed with an outcome
// other than "expanded" (i.e. genuinely done, not just fanned out).
func closedNonExpanded(iss Issue) bool {
	return iss.Status == StatusClosed && iss.Outcome != OutcomeExpanded
}

// ReadyOptions scopes [ReadyLeaves] to a subtree and/or a required tag set.
type ReadyOptions struct {
	RootID string
	Tags   []string
}

// ReadyLeaves returns issues that are ready to execute: open, not blocked by
// an unresolved "blocks" dependency, with no non-closed child, and matching
// every required tag. Ordering is a hard contract (ascending priority, ties
// broken by id lexicographic) — reconcile replay depends on it.
func ReadyLeaves(issues []Issue, opts ReadyOptions) []Issue {
	scopeIDs := allIssueIDs(issues, opts.RootID)
	index := byID(issues)
	childIndex := buildChildIndex(issues)
	blockIndex := buildBlockIndex(issues)

	var ready []Issue
	for _, id := range scopeIDs {
		iss, ok := index[id]
		if !ok || iss.Status != StatusOpen {
			continue
		}
		if !hasAllTags(iss, opts.Tags) {
			continue
		}
		if isBlocked(iss, blockIndex, index) {
			continue
		}
		if hasNonClosedChild(iss.ID, childIndex, index) {
			continue
		}
		ready = append(ready, iss)
	}

	sortByPriorityThenID(ready)
	return ready
}

func allIssueIDs(issues []Issue, rootID string) []string {
	if rootID == "" {
		ids := make([]string, 0, len(issues))
		for _, iss := range issues {
			ids = append(ids, iss.ID)
		}
		return ids
	}
	return SubtreeIDs(issues, rootID)
}

func buildChildIndex(issues []Issue) map[string][]string {
	idx := make(map[string][]string)
	for _, iss := range issues {
		for _, d := range iss.Deps {
			if d.Type == DepParent {
				idx[d.Target] = append(idx[d.Target], iss.ID)
			}
		}
	}
	return idx
}

// buildBlockIndex reverses every "blocks" edge so it can be looked up by the
// blocked issue: a Dep{Type: blocks, Target: x} on issue b means "b blocks
// x", so the index maps x -> the ids of issues that block it.
func buildBlockIndex(issues []Issue) map[string][]string {
	idx := make(map[string][]string)
	for _, iss := range issues {
		for _, d := range iss.Deps {
			if d.Type == DepBlocks {
				idx[d.Target] = append(idx[d.Target], iss.ID)
			}
		}
	}
	return idx
}

// isBlocked reports whether some other issue has a "blocks" dep targeting
// iss while that blocker is not closed-with-non-expanded-outcome. A missing
// blocker (id not present in the snapshot) is treated leniently as
// resolved, matching the teacher's "missing blocker = resolved" leniency,
// since hand-edited JSONL can reference an issue that was later deleted.
func isBlocked(iss Issue, blockIndex map[string][]string, index map[string]Issue) bool {
	for _, blockerID := range blockIndex[iss.ID] {
		blocker, ok := index[blockerID]
		if !ok {
			continue
		}
		if !closedNonExpanded(blocker) {
			return true
		}
	}
	return false
}

func hasNonClosedChild(id string, childIndex map[string][]string, index map[string]Issue) bool {
	for _, childID := range childIndex[id] {
		child, ok := index[childID]
		if !ok {
			continue
		}
		if child.Status != StatusClosed {
			return true
		}
	}
	return false
}

// RetryableOptions scopes [RetryableDagCandidates].
type RetryableOptions struct {
	RootID            string
	RetryOutcomes     []Outcome
	AttemptsByIssueID map[string]int
	MaxAttempts       int
}

// RetryableDagCandidates returns closed issues whose outcome is one of
// RetryOutcomes (or "expanded" with zero children) and whose attempt count
// is below MaxAttempts, in the same deterministic (priority, id) order as
// ReadyLeaves.
func RetryableDagCandidates(issues []Issue, opts RetryableOptions) []Issue {
	retrySet := make(map[Outcome]bool, len(opts.RetryOutcomes))
	for _, o := range opts.RetryOutcomes {
		retrySet[o] = true
	}

	scopeIDs := allIssueIDs(issues, opts.RootID)
	index := byID(issues)
	childIndex := buildChildIndex(issues)

	var out []Issue
	for _, id := range scopeIDs {
		iss, ok := index[id]
		if !ok || iss.Status != StatusClosed {
			continue
		}

		eligible := retrySet[iss.Outcome]
		if iss.Outcome == OutcomeExpanded && len(childIndex[iss.ID]) == 0 {
			eligible = true
		}
		if !eligible {
			continue
		}

		attempts := opts.AttemptsByIssueID[iss.ID]
		if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
			continue
		}

		out = append(out, iss)
	}

	sortByPriorityThenID(out)
	return out
}

// Collapsible returns closed outcome=expanded nodes under rootID whose
// children are all terminal (success|skipped|refine), signalling it is
// safe to collapse the subtree.
func Collapsible(issues []Issue, rootID string) []Issue {
	scopeIDs := allIssueIDs(issues, rootID)
	index := byID(issues)
	childIndex := buildChildIndex(issues)

	var out []Issue
	for _, id := range scopeIDs {
		iss, ok := index[id]
		if !ok || iss.Status != StatusClosed || iss.Outcome != OutcomeExpanded {
			continue
		}

		children := childIndex[iss.ID]
		if len(children) == 0 {
			continue
		}

		allTerminal := true
		for _, childID := range children {
			child, ok := index[childID]
			if !ok {
				continue
			}
			if child.Status != StatusClosed {
				allTerminal = false
				break
			}
			switch child.Outcome {
			case OutcomeSuccess, OutcomeSkipped, OutcomeRefine:
			default:
				allTerminal = false
			}
			if !allTerminal {
				break
			}
		}

		if allTerminal {
			out = append(out, iss)
		}
	}

	sortByPriorityThenID(out)
	return out
}

// ValidationResult is the result of [ValidateDag].
type ValidationResult struct {
	IsFinal bool
	Reason  string
}

// ValidateDag inspects the subtree rooted at rootID and reports whether
// work is final, and why/why-not.
func ValidateDag(issues []Issue, rootID string) ValidationResult {
	descendantIDs := SubtreeIDs(issues, rootID)
	index := byID(issues)
	childIndex := buildChildIndex(issues)

	if cyc := detectCycle(issues); cyc != "" {
		return ValidationResult{IsFinal: false, Reason: "cycle detected: " + cyc}
	}

	var needsWork, expandedNoChildren bool
	allDescendantsClosed := true

	for _, id := range descendantIDs {
		if id == rootID {
			continue
		}
		iss, ok := index[id]
		if !ok {
			continue
		}

		if iss.Status == StatusClosed && (iss.Outcome == OutcomeFailure || iss.Outcome == OutcomeNeedsWork) {
			needsWork = true
		}
		if iss.Status == StatusClosed && iss.Outcome == OutcomeExpanded && len(childIndex[iss.ID]) == 0 {
			expandedNoChildren = true
		}

		closed := iss.Status == StatusClosed
		if !closed {
			allDescendantsClosed = false
		}
	}

	switch {
	case needsWork:
		return ValidationResult{IsFinal: false, Reason: "needs work: descendant closed with failure or needs_work"}
	case expandedNoChildren:
		return ValidationResult{IsFinal: false, Reason: "expanded without children: descendant expanded with no children"}
	}

	root, rootOK := index[rootID]
	rootClosed := rootOK && root.Status == StatusClosed
	hasChildren := len(childIndex[rootID]) > 0

	switch {
	case allDescendantsClosed && rootClosed:
		return ValidationResult{IsFinal: true, Reason: "all work completed"}
	case allDescendantsClosed && !rootClosed && hasChildren:
		return ValidationResult{IsFinal: false, Reason: "all children closed, root still open"}
	default:
		return ValidationResult{IsFinal: false, Reason: "in progress"}
	}
}

// detectCycle is a defensive guard: the distilled spec asserts parent-edge
// cycles are impossible by construction, but hand-edited JSONL can corrupt
// that invariant, so validateDag still checks for it (grounded on beads'
// explicit DetectCycles operation).
func detectCycle(issues []Issue) string {
	childIndex := buildChildIndex(issues)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(issues))

	var visit func(id string, path []string) string
	visit = func(id string, path []string) string {
		color[id] = gray
		path = append(path, id)

		for _, childID := range childIndex[id] {
			switch color[childID] {
			case white:
				if cyc := visit(childID, path); cyc != "" {
					return cyc
				}
			case gray:
				return childID
			}
		}

		color[id] = black
		return ""
	}

	for _, iss := range issues {
		if color[iss.ID] == white {
			if cyc := visit(iss.ID, nil); cyc != "" {
				return cyc
			}
		}
	}

	return ""
}
