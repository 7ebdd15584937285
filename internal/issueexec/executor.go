// Package issueexec adapts the pure internal/issue DAG engine and its
// Store to the pipeline.Executor contract: one Execute call per
// queued->in_progress dispatch, synchronous, returning completed or failed
// (issue DAG mutators never defer, per §4.5 step 6).
package issueexec

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/femtomc/mu/internal/command"
	"github.com/femtomc/mu/internal/issue"
	"github.com/femtomc/mu/internal/pipeline"
)

// Executor dispatches on the CommandRecord's TargetType (the command kind:
// ready, get, create, update, claim, close, dep, undep, validate, status)
// against a shared issue.Store, reusing the same instance for every kind so
// the pipeline's one-Executor-per-kind registration map can point every
// issue-mutator key at it.
type Executor struct {
	Store *issue.Store
}

// New builds an issue-DAG Executor over store.
func New(store *issue.Store) *Executor {
	return &Executor{Store: store}
}

// Register installs the executor under every issue-DAG-mutator command kind
// it handles.
func Register(executors map[string]pipeline.Executor, store *issue.Store) {
	exec := New(store)
	for _, kind := range []string{"ready", "get", "create", "update", "claim", "close", "dep", "undep", "validate", "status"} {
		executors[kind] = exec
	}
}

func fail(code string) pipeline.ExecOutcome {
	return pipeline.ExecOutcome{Kind: pipeline.ExecFailed, ErrorCode: code}
}

func completed(message string) pipeline.ExecOutcome {
	return pipeline.ExecOutcome{Kind: pipeline.ExecCompleted, Result: command.Result{Message: message}}
}

// Execute runs rec.TargetType against e.Store using rec.Args.
func (e *Executor) Execute(ctx context.Context, rec command.Record) pipeline.ExecOutcome {
	switch rec.TargetType {
	case "ready":
		return e.ready(rec.Args)
	case "get":
		return e.get(rec.Args)
	case "create":
		return e.create(rec.Args, rec.CreatedAtMs)
	case "update":
		return e.update(rec.Args, rec.UpdatedAtMs)
	case "claim":
		return e.claim(rec.Args, rec.UpdatedAtMs)
	case "close":
		return e.close(rec.Args, rec.UpdatedAtMs)
	case "dep":
		return e.dep(rec.Args, rec.UpdatedAtMs)
	case "undep":
		return e.undep(rec.Args, rec.UpdatedAtMs)
	case "validate":
		return e.validate(rec.Args)
	case "status":
		return e.status()
	default:
		return fail("unknown_issue_command")
	}
}

// parseKV splits "key=value" args into a map, ignoring bare tokens.
func parseKV(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Executor) ready(args []string) pipeline.ExecOutcome {
	kv := parseKV(args)
	opts := issue.ReadyOptions{RootID: kv["root"]}
	if tags := kv["tags"]; tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}

	leaves := issue.ReadyLeaves(e.Store.Snapshot(), opts)
	ids := make([]string, 0, len(leaves))
	for _, l := range leaves {
		ids = append(ids, l.ID)
	}
	return completed(fmt.Sprintf("%d ready issues: %s", len(ids), strings.Join(ids, ", ")))
}

func (e *Executor) get(args []string) pipeline.ExecOutcome {
	if len(args) == 0 {
		return fail("missing_issue_id")
	}
	iss, ok := e.Store.Get(args[0])
	if !ok {
		return fail("issue_not_found")
	}
	return completed(fmt.Sprintf("%s [%s/%s] %s", iss.ID, iss.Status, iss.Outcome, iss.Title))
}

func (e *Executor) create(args []string, nowMs int64) pipeline.ExecOutcome {
	kv := parseKV(args)
	title := kv["title"]
	if title == "" {
		// Positional fallback: everything that isn't a key=value pair is
		// joined as the title, matching a bare `/mu create My New Issue`.
		var words []string
		for _, a := range args {
			if !strings.Contains(a, "=") {
				words = append(words, a)
			}
		}
		title = strings.Join(words, " ")
	}
	if title == "" {
		return fail("missing_title")
	}

	priority := issue.DefaultPriority
	if p, err := strconv.Atoi(kv["priority"]); err == nil {
		priority = p
	}

	iss := issue.Issue{
		ID:       issue.GenerateID(nowMs),
		Title:    title,
		Body:     kv["body"],
		Priority: priority,
	}
	if parent := kv["parent"]; parent != "" {
		iss.Deps = append(iss.Deps, issue.Dep{Type: issue.DepParent, Target: parent})
	}

	created, err := e.Store.Create(iss, nowMs)
	if err != nil {
		return fail("issue_create_failed")
	}
	return completed(fmt.Sprintf("created %s", created.ID))
}

func (e *Executor) update(args []string, nowMs int64) pipeline.ExecOutcome {
	if len(args) == 0 {
		return fail("missing_issue_id")
	}
	id := args[0]
	kv := parseKV(args[1:])

	updated, err := e.Store.Update(id, nowMs, func(iss *issue.Issue) {
		if v, ok := kv["title"]; ok {
			iss.Title = v
		}
		if v, ok := kv["body"]; ok {
			iss.Body = v
		}
		if v, ok := kv["priority"]; ok {
			if p, parseErr := strconv.Atoi(v); parseErr == nil {
				iss.Priority = p
			}
		}
		if v, ok := kv["tags"]; ok {
			iss.Tags = strings.Split(v, ",")
		}
	})
	if err != nil {
		return fail("issue_update_failed")
	}
	return completed(fmt.Sprintf("updated %s", updated.ID))
}

func (e *Executor) claim(args []string, nowMs int64) pipeline.ExecOutcome {
	if len(args) == 0 {
		return fail("missing_issue_id")
	}
	claimed, err := e.Store.Claim(args[0], nowMs)
	if err != nil {
		return fail("issue_claim_failed")
	}
	return completed(fmt.Sprintf("claimed %s", claimed.ID))
}

func (e *Executor) close(args []string, nowMs int64) pipeline.ExecOutcome {
	if len(args) < 2 {
		return fail("missing_issue_id_or_outcome")
	}
	closed, err := e.Store.Close(args[0], issue.Outcome(args[1]), nowMs)
	if err != nil {
		return fail("issue_close_failed")
	}
	return completed(fmt.Sprintf("closed %s as %s", closed.ID, closed.Outcome))
}

func (e *Executor) dep(args []string, nowMs int64) pipeline.ExecOutcome {
	if len(args) < 3 {
		return fail("missing_dep_args")
	}
	updated, err := e.Store.AddDep(args[0], issue.Dep{Type: issue.DepType(args[1]), Target: args[2]}, nowMs)
	if err != nil {
		return fail("issue_dep_failed")
	}
	return completed(fmt.Sprintf("%s now depends on %s:%s", updated.ID, args[1], args[2]))
}

func (e *Executor) undep(args []string, nowMs int64) pipeline.ExecOutcome {
	if len(args) < 3 {
		return fail("missing_dep_args")
	}
	updated, err := e.Store.RemoveDep(args[0], issue.Dep{Type: issue.DepType(args[1]), Target: args[2]}, nowMs)
	if err != nil {
		return fail("issue_undep_failed")
	}
	return completed(fmt.Sprintf("%s no longer depends on %s:%s", updated.ID, args[1], args[2]))
}

func (e *Executor) validate(args []string) pipeline.ExecOutcome {
	if len(args) == 0 {
		return fail("missing_root_id")
	}
	result := issue.ValidateDag(e.Store.Snapshot(), args[0])
	return completed(fmt.Sprintf("final=%t: %s", result.IsFinal, result.Reason))
}

func (e *Executor) status() pipeline.ExecOutcome {
	all := e.Store.Snapshot()
	var open, inProgress, closed int
	for _, iss := range all {
		switch iss.Status {
		case issue.StatusOpen:
			open++
		case issue.StatusInProgress:
			inProgress++
		case issue.StatusClosed:
			closed++
		}
	}
	return completed(fmt.Sprintf("OK mu — %d open, %d in_progress, %d closed", open, inProgress, closed))
}
