package graph

import (
	"fmt"

	"github.com/IMTMarburg/pipegraph/graph/emit"
)

// The decision engine. After every event the evaluator walks a worklist of
// affected jobs and re-applies the decision rules until nothing changes.
//
// Per job, two questions are answered incrementally:
//
//  1. Validation — did this job's inputs change? Evidence is collected per
//     input edge: a missing edge record means a new input appeared; a
//     recorded input whose upstream runs and reports an altered value
//     means a changed input; a recorded edge whose upstream no longer
//     exists means a lost input. An upstream that does not run this
//     invocation cannot invalidate anything. Ephemeral upstreams are
//     special: a clean ephemeral is bound to reproduce its recorded value
//     (constant-output contract), so its edges resolve as unaltered
//     without waiting for it to run, while a hard-invalidated ephemeral
//     taints every downstream edge outright.
//
//  2. Must-run — Always jobs always; Output jobs when the artifact is
//     missing or the inputs changed; Ephemeral jobs when a downstream that
//     will run needs them materialized, or when they were themselves
//     invalidated after a previous success and still have a downstream
//     that is not on a failure path.
//
// A must-run job becomes ReadyToRun once every upstream is Succeeded or
// NotNeeded; a job whose inputs all resolved unchanged (and, for Outputs,
// whose artifact exists) becomes NotNeeded. Ephemerals with no surviving
// downstream interest become NotNeeded without running.

const propagationPassesPerJob = 64

func (ev *Evaluator) propagate(seed []int) error {
	n := len(ev.jobs)
	worklist := make([]int, 0, n)
	queued := make([]bool, n)
	for _, i := range seed {
		if !queued[i] {
			queued[i] = true
			worklist = append(worklist, i)
		}
	}

	limit := ev.propagationLimit
	if limit <= 0 {
		limit = (n + 1) * propagationPassesPerJob
	}

	passes := 0
	for len(worklist) > 0 {
		passes++
		if passes > limit {
			return apiErr(CodePropagationStuck,
				fmt.Sprintf("no fixed point after %d passes; graph nested too deeply?", passes))
		}
		i := worklist[0]
		worklist = worklist[1:]
		queued[i] = false

		if !ev.evaluateJob(i) {
			continue
		}
		for _, d := range ev.topo.downstreams[i] {
			if !queued[d] {
				queued[d] = true
				worklist = append(worklist, d)
			}
		}
		for _, u := range ev.topo.upstreams[i] {
			if !queued[u] {
				queued[u] = true
				worklist = append(worklist, u)
			}
		}
	}
	ev.metrics.propagation(passes)
	return nil
}

// evaluateJob re-applies the decision rules to one pending job and reports
// whether anything about it changed.
func (ev *Evaluator) evaluateJob(i int) bool {
	j := &ev.jobs[i]
	if j.state != Blocked {
		return false
	}

	for _, u := range ev.topo.upstreams[i] {
		switch ev.jobs[u].state {
		case Failed, UpstreamFailed:
			ev.setPendingState(i, UpstreamFailed)
			return true
		}
	}

	changed := false
	if !j.validationFinal {
		v, final := ev.classify(i)
		if v != j.validation || final != j.validationFinal {
			changed = true
		}
		j.validation = v
		j.validationFinal = final
	}

	if !j.mustRun && ev.decideMustRun(i) {
		j.mustRun = true
		changed = true
	}

	if j.mustRun {
		if ev.upstreamsSettled(i) {
			ev.setPendingState(i, ReadyToRun)
			return true
		}
		return changed
	}

	if ev.decideNotNeeded(i) {
		ev.setPendingState(i, NotNeeded)
		return true
	}
	return changed
}

// classify gathers the invalidation evidence for job i. final reports
// whether every edge has resolved, i.e. the verdict cannot change anymore.
func (ev *Evaluator) classify(i int) (v validation, final bool) {
	j := &ev.jobs[i]
	if j.staleInputs {
		return invalidatedHard, true
	}
	soft := false
	unresolved := false
	for _, u := range ev.topo.upstreams[i] {
		uj := &ev.jobs[u]
		prev, ok := ev.history[EdgeKey(uj.id, j.id)]
		if !ok {
			// A new input. Value-bearing kinds invalidate outright; a new
			// ephemeral input retriggers under the constant-output
			// contract.
			if uj.kind == Ephemeral {
				soft = true
				continue
			}
			return invalidatedHard, true
		}
		switch uj.state {
		case Succeeded:
			if uj.kind == Ephemeral && uj.validation == invalidatedHard {
				return invalidatedHard, true
			}
			if ev.strategy.IsHistoryAltered(uj.id, j.id, prev, uj.output) {
				return invalidatedHard, true
			}
		case NotNeeded:
			// Did not run, so the recorded value still stands.
		default:
			if uj.kind == Ephemeral {
				switch {
				case uj.validation == validationClean && uj.validationFinal:
					// Bound to reproduce the recorded value.
				case uj.validation == invalidatedHard:
					return invalidatedHard, true
				default:
					unresolved = true
				}
			} else {
				unresolved = true
			}
		}
	}
	switch {
	case soft:
		return invalidatedSoft, !unresolved
	case unresolved:
		return validationUnknown, false
	default:
		return validationClean, true
	}
}

func (ev *Evaluator) decideMustRun(i int) bool {
	j := &ev.jobs[i]
	switch j.kind {
	case Always:
		return true
	case Output:
		if !ev.outputPresent(i) {
			return true
		}
		return j.validation == invalidatedSoft || j.validation == invalidatedHard
	case Ephemeral:
		// Demand: a downstream that will run needs this job's output
		// materialized.
		for _, d := range ev.topo.downstreams[i] {
			dj := &ev.jobs[d]
			if dj.mustRun && dj.state != Failed && dj.state != UpstreamFailed {
				return true
			}
		}
		// A previously succeeded ephemeral whose own inputs changed reruns
		// on its own, as long as somebody downstream is not on a failure
		// path.
		if (j.validation == invalidatedSoft || j.validation == invalidatedHard) && j.hadHistory {
			for _, d := range ev.topo.downstreams[i] {
				dj := &ev.jobs[d]
				if dj.state != Failed && dj.state != UpstreamFailed {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func (ev *Evaluator) decideNotNeeded(i int) bool {
	j := &ev.jobs[i]
	switch j.kind {
	case Always:
		return false
	case Output:
		return j.validationFinal && j.validation == validationClean && ev.outputPresent(i)
	case Ephemeral:
		if len(ev.topo.downstreams[i]) == 0 {
			return true
		}
		anyLive := false
		for _, d := range ev.topo.downstreams[i] {
			switch ev.jobs[d].state {
			case NotNeeded:
				anyLive = true
			case Failed, UpstreamFailed:
			default:
				// A downstream is still undecided (or will run); this
				// ephemeral's fate is not settled.
				return false
			}
		}
		if !anyLive {
			return true
		}
		// Every downstream skipped. The ephemeral still reruns by itself
		// if its own inputs changed after an earlier success, so wait for
		// the verdict in that case.
		if !j.hadHistory {
			return true
		}
		return j.validationFinal && j.validation == validationClean
	default:
		return false
	}
}

func (ev *Evaluator) upstreamsSettled(i int) bool {
	for _, u := range ev.topo.upstreams[i] {
		switch ev.jobs[u].state {
		case Succeeded, NotNeeded:
		default:
			return false
		}
	}
	return true
}

func (ev *Evaluator) outputPresent(i int) bool {
	return ev.strategy.OutputAlreadyPresent(ev.jobs[i].id)
}

// setPendingState moves a Blocked job into ReadyToRun, NotNeeded or
// UpstreamFailed, with metrics and event emission.
func (ev *Evaluator) setPendingState(i int, s JobState) {
	j := &ev.jobs[i]
	j.state = s
	switch s {
	case ReadyToRun:
		ev.metrics.readyDelta(1)
		ev.emit(emit.MsgJobReady, j.id, map[string]interface{}{"kind": j.kind.String()})
	case NotNeeded:
		ev.metrics.terminal(NotNeeded)
		ev.emit(emit.MsgJobNotNeeded, j.id, nil)
	case UpstreamFailed:
		ev.metrics.terminal(UpstreamFailed)
		ev.emit(emit.MsgUpstreamFailed, j.id, nil)
	}
}
