package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/IMTMarburg/pipegraph/graph/emit"
)

// Evaluator drives one incremental run over a registered job graph.
//
// Usage: construct with the history produced by the previous run, register
// jobs and dependencies, call EventStartup, then repeatedly execute the
// jobs returned by QueryReadyToRun, reporting EventNowRunning and
// EventJobFinishedSuccess/Failure until IsFinished. Harvest NewHistory for
// the next run and QueryReadyForCleanup for ephemeral disposal.
//
// The evaluator is single-threaded and event-driven: all methods are
// synchronous, and the caller must serialize event notifications even when
// it executes jobs concurrently. Any job returned by QueryReadyToRun has
// all of its upstreams in a terminal state.
type Evaluator struct {
	strategy Strategy
	topo     *graphStore
	jobs     []job

	// history starts as a copy of the previous run's map and is updated
	// in place as jobs succeed. Keys of jobs and edges not in the current
	// graph pass through untouched.
	history map[string]string

	started         bool
	finishedEmitted bool

	emitter emit.Emitter
	metrics *EvaluatorMetrics
	runID   string
	seq     int

	propagationLimit int
}

// New creates an evaluator with an empty history, as used for a first run.
func New(strategy Strategy, opts ...Option) *Evaluator {
	return NewWithHistory(nil, strategy, opts...)
}

// NewWithHistory creates an evaluator seeded with the history map produced
// by a previous run. The map is copied; the caller's map is not modified.
func NewWithHistory(history map[string]string, strategy Strategy, opts ...Option) *Evaluator {
	ev := &Evaluator{
		strategy: strategy,
		topo:     newGraphStore(),
		history:  make(map[string]string, len(history)),
		emitter:  emit.NewNullEmitter(),
	}
	for k, v := range history {
		ev.history[k] = v
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// AddNode registers a job. It fails if the id is already registered,
// contains the edge-key delimiter, or if startup already happened.
func (ev *Evaluator) AddNode(id string, kind JobKind) error {
	if ev.started {
		return apiErr(CodeBadTransition, "cannot register jobs after startup")
	}
	if strings.Contains(id, edgeDelim) {
		return apiErr(CodeBadJobID, fmt.Sprintf("job id %q must not contain %q", id, edgeDelim))
	}
	if err := ev.topo.addNode(id, kind); err != nil {
		return err
	}
	ev.jobs = append(ev.jobs, job{id: id, kind: kind, state: Undetermined})
	return nil
}

// DependsOn declares that downstream requires upstream's result. It fails
// on unknown endpoints, duplicate edges, self-edges, edges that would
// close a cycle, and after startup.
func (ev *Evaluator) DependsOn(downstream, upstream string) error {
	if ev.started {
		return apiErr(CodeBadTransition, "cannot register edges after startup")
	}
	return ev.topo.addEdge(downstream, upstream)
}

// EventStartup validates the graph and computes the initial state of every
// job. Legal exactly once; jobs whose fate is already decidable resolve
// immediately (a run where nothing changed is finished right after
// startup).
func (ev *Evaluator) EventStartup() error {
	if ev.started {
		return apiErr(CodeDoubleStartup, "event_startup called twice")
	}
	ev.started = true

	if err := ev.checkAcyclic(); err != nil {
		return err
	}

	ev.scanIncomingHistory()

	all := make([]int, len(ev.jobs))
	for i := range ev.jobs {
		ev.jobs[i].state = Blocked
		all[i] = i
	}
	ev.emit(emit.MsgStartup, "", map[string]interface{}{"jobs": len(ev.jobs)})

	if err := ev.propagate(all); err != nil {
		return err
	}
	ev.checkFinished()
	return nil
}

// EventNowRunning transitions a job from ReadyToRun to Running.
func (ev *Evaluator) EventNowRunning(id string) error {
	i, err := ev.eventJob(id)
	if err != nil {
		return err
	}
	j := &ev.jobs[i]
	if j.state != ReadyToRun {
		return apiErr(CodeBadTransition, fmt.Sprintf("job %q is %s, not ReadyToRun", id, j.state))
	}
	j.state = Running
	ev.metrics.readyDelta(-1)
	ev.metrics.runningDelta(1)
	ev.emit(emit.MsgJobRunning, id, nil)
	return nil
}

// EventJobFinishedSuccess transitions a Running job to Succeeded, records
// its reported value in the new history (node key plus one edge key per
// current upstream, dropping edge keys of inputs that no longer exist),
// and re-evaluates downstream jobs.
//
// If the job is an ephemeral that ran only to satisfy downstream demand
// and value differs from its recorded one, the success is still applied in
// full and ErrEphemeralChangedOutput is returned.
func (ev *Evaluator) EventJobFinishedSuccess(id string, value string) error {
	i, err := ev.eventJob(id)
	if err != nil {
		return err
	}
	j := &ev.jobs[i]
	if j.state != Running {
		return apiErr(CodeBadTransition, fmt.Sprintf("job %q is %s, not Running", id, j.state))
	}

	// All upstreams are terminal here, so the classification is final. It
	// decides both the constant-output contract and how downstreams treat
	// this job's value.
	j.validation, _ = ev.classify(i)
	j.validationFinal = true

	contractViolated := false
	if j.kind == Ephemeral && j.validation != invalidatedHard {
		if prev, ok := ev.history[id]; ok && prev != value {
			contractViolated = true
		}
	}

	for key := range ev.history {
		if up, down, ok := splitEdgeKey(key); ok && down == id {
			if !ev.isCurrentUpstream(up, i) {
				delete(ev.history, key)
			}
		}
	}
	ev.history[id] = value
	for _, u := range ev.topo.upstreams[i] {
		uj := &ev.jobs[u]
		if uj.hasOutput {
			ev.history[EdgeKey(uj.id, id)] = uj.output
		} else if hv, ok := ev.history[uj.id]; ok {
			ev.history[EdgeKey(uj.id, id)] = hv
		}
	}

	j.state = Succeeded
	j.output = value
	j.hasOutput = true
	ev.metrics.runningDelta(-1)
	ev.metrics.terminal(Succeeded)
	ev.emit(emit.MsgJobSucceeded, id, map[string]interface{}{"value": value})

	seed := append([]int(nil), ev.topo.downstreams[i]...)
	seed = append(seed, ev.topo.upstreams[i]...)
	if err := ev.propagate(seed); err != nil {
		return err
	}
	ev.checkFinished()
	if contractViolated {
		return fmt.Errorf("job %q: %w", id, ErrEphemeralChangedOutput)
	}
	return nil
}

// EventJobFinishedFailure transitions a Running job to Failed and marks
// every transitive descendant that has not reached a terminal state as
// UpstreamFailed. A descendant that is already terminal (for instance one
// decided NotNeeded while this job was still pending) keeps its state, and
// the walk does not continue past it. The rest of the graph keeps
// evaluating; job failure is not an evaluator error.
func (ev *Evaluator) EventJobFinishedFailure(id string) error {
	i, err := ev.eventJob(id)
	if err != nil {
		return err
	}
	j := &ev.jobs[i]
	if j.state != Running {
		return apiErr(CodeBadTransition, fmt.Sprintf("job %q is %s, not Running", id, j.state))
	}
	j.state = Failed
	ev.metrics.runningDelta(-1)
	ev.metrics.terminal(Failed)
	ev.emit(emit.MsgJobFailed, id, nil)

	// Close over all descendants first, then let propagation settle
	// ephemerals that lost their last live downstream.
	seed := append([]int(nil), ev.topo.upstreams[i]...)
	stack := append([]int(nil), ev.topo.downstreams[i]...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		dj := &ev.jobs[d]
		if dj.state.Terminal() {
			continue
		}
		if dj.state == ReadyToRun {
			ev.metrics.readyDelta(-1)
		}
		dj.state = UpstreamFailed
		ev.metrics.terminal(UpstreamFailed)
		ev.emit(emit.MsgUpstreamFailed, dj.id, nil)
		seed = append(seed, ev.topo.upstreams[d]...)
		stack = append(stack, ev.topo.downstreams[d]...)
	}

	if err := ev.propagate(seed); err != nil {
		return err
	}
	ev.checkFinished()
	return nil
}

// EventJobCleanupDone records that the caller disposed of an ephemeral's
// materialized output. Legal only for ephemerals currently listed by
// QueryReadyForCleanup.
func (ev *Evaluator) EventJobCleanupDone(id string) error {
	i, err := ev.eventJob(id)
	if err != nil {
		return err
	}
	j := &ev.jobs[i]
	if !ev.cleanupReady(i) {
		return apiErr(CodeBadTransition, fmt.Sprintf("job %q is not ready for cleanup", id))
	}
	j.cleanupDone = true
	ev.emit(emit.MsgCleanupDone, id, nil)
	return nil
}

// QueryReadyToRun returns the ids of jobs the caller should execute now.
// The result is a snapshot: it shrinks as EventNowRunning is reported and
// may grow after successes.
func (ev *Evaluator) QueryReadyToRun() []string {
	return ev.jobsInState(ReadyToRun)
}

// QueryFailed returns the ids of jobs that reported failure.
func (ev *Evaluator) QueryFailed() []string {
	return ev.jobsInState(Failed)
}

// QueryUpstreamFailed returns the ids of jobs skipped because a transitive
// upstream failed.
func (ev *Evaluator) QueryUpstreamFailed() []string {
	return ev.jobsInState(UpstreamFailed)
}

// QueryReadyForCleanup returns the ephemerals that ran successfully and
// whose downstreams have all reached a terminal state, so their
// materialized outputs can be disposed of.
func (ev *Evaluator) QueryReadyForCleanup() []string {
	var ids []string
	for i := range ev.jobs {
		if ev.cleanupReady(i) {
			ids = append(ids, ev.jobs[i].id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsFinished reports whether every job reached a terminal state. Pending
// cleanup does not count: cleanup is a post-finish activity.
func (ev *Evaluator) IsFinished() bool {
	for i := range ev.jobs {
		if !ev.jobs[i].state.Terminal() {
			return false
		}
	}
	return true
}

// NewHistory returns the history map to persist for the next run. Entries
// for jobs and edges not present in the current graph are carried over
// verbatim; entries of jobs that succeeded this run are up to date.
func (ev *Evaluator) NewHistory() map[string]string {
	out := make(map[string]string, len(ev.history))
	for k, v := range ev.history {
		out[k] = v
	}
	return out
}

func (ev *Evaluator) jobsInState(s JobState) []string {
	var ids []string
	for i := range ev.jobs {
		if ev.jobs[i].state == s {
			ids = append(ids, ev.jobs[i].id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (ev *Evaluator) cleanupReady(i int) bool {
	j := &ev.jobs[i]
	if j.kind != Ephemeral || j.state != Succeeded || j.cleanupDone {
		return false
	}
	for _, d := range ev.topo.downstreams[i] {
		if !ev.jobs[d].state.Terminal() {
			return false
		}
	}
	return true
}

func (ev *Evaluator) eventJob(id string) (int, error) {
	if !ev.started {
		return 0, apiErr(CodeNotStarted, "event before event_startup")
	}
	i, ok := ev.topo.index[id]
	if !ok {
		return 0, apiErr(CodeUnknownJob, fmt.Sprintf("unknown job %q", id))
	}
	return i, nil
}

func (ev *Evaluator) isCurrentUpstream(upstreamID string, i int) bool {
	u, ok := ev.topo.index[upstreamID]
	if !ok {
		return false
	}
	for _, cand := range ev.topo.upstreams[i] {
		if cand == u {
			return true
		}
	}
	return false
}

// scanIncomingHistory fills the per-job flags derived from the previous
// run's map: whether the job ever succeeded, and whether the history
// records an input edge that no longer exists (a lost input, which forces
// a rerun).
func (ev *Evaluator) scanIncomingHistory() {
	for i := range ev.jobs {
		_, ok := ev.history[ev.jobs[i].id]
		ev.jobs[i].hadHistory = ok
	}
	for key := range ev.history {
		up, down, ok := splitEdgeKey(key)
		if !ok {
			continue
		}
		i, registered := ev.topo.index[down]
		if !registered {
			continue
		}
		if !ev.isCurrentUpstream(up, i) {
			ev.jobs[i].staleInputs = true
		}
	}
}

// checkAcyclic runs a Kahn pass over the registered graph. DependsOn
// already rejects cycle-closing edges, so this is the startup-time
// verification the evaluation order relies on.
func (ev *Evaluator) checkAcyclic() error {
	n := ev.topo.len()
	indeg := make([]int, n)
	for i := 0; i < n; i++ {
		indeg[i] = len(ev.topo.upstreams[i])
	}
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited++
		for _, d := range ev.topo.downstreams[i] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != n {
		return apiErr(CodeCycle, "job graph contains a cycle")
	}
	return nil
}

func (ev *Evaluator) checkFinished() {
	if ev.finishedEmitted || !ev.IsFinished() {
		return
	}
	ev.finishedEmitted = true
	ev.emit(emit.MsgRunFinished, "", map[string]interface{}{
		"failed":          len(ev.QueryFailed()),
		"upstream_failed": len(ev.QueryUpstreamFailed()),
	})
}

func (ev *Evaluator) emit(msg, jobID string, meta map[string]interface{}) {
	ev.seq++
	ev.emitter.Emit(emit.Event{
		RunID: ev.runID,
		Seq:   ev.seq,
		JobID: jobID,
		Msg:   msg,
		Meta:  meta,
	})
}
