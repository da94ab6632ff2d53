package graph

// JobState tracks a job through a single evaluator run.
//
// Lifecycle:
//
//	Undetermined ──(startup)──► ReadyToRun | NotNeeded | Blocked
//	Blocked ──► ReadyToRun | NotNeeded | UpstreamFailed
//	ReadyToRun ──(EventNowRunning)──► Running
//	Running ──(EventJobFinishedSuccess)──► Succeeded
//	Running ──(EventJobFinishedFailure)──► Failed
//
// Succeeded, NotNeeded, Failed and UpstreamFailed are terminal. A
// succeeded ephemeral additionally moves through cleanup (see
// QueryReadyForCleanup and EventJobCleanupDone), which does not affect
// IsFinished.
type JobState int

const (
	// Undetermined is the state of every job before EventStartup.
	Undetermined JobState = iota

	// Blocked means the job's fate depends on upstreams that have not
	// resolved yet.
	Blocked

	// ReadyToRun means every upstream has resolved and the job must be
	// executed by the caller.
	ReadyToRun

	// Running means the caller has reported EventNowRunning.
	Running

	// Succeeded means the caller reported a successful finish.
	Succeeded

	// Failed means the caller reported a failed finish.
	Failed

	// UpstreamFailed means a transitive upstream failed; the job will not
	// run this invocation.
	UpstreamFailed

	// NotNeeded means the job does not have to run this invocation.
	NotNeeded
)

// String returns the state's canonical name.
func (s JobState) String() string {
	switch s {
	case Undetermined:
		return "Undetermined"
	case Blocked:
		return "Blocked"
	case ReadyToRun:
		return "ReadyToRun"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case UpstreamFailed:
		return "UpstreamFailed"
	case NotNeeded:
		return "NotNeeded"
	default:
		return "JobState(?)"
	}
}

// Terminal reports whether the state ends the job's participation in this
// run.
func (s JobState) Terminal() bool {
	switch s {
	case Succeeded, Failed, UpstreamFailed, NotNeeded:
		return true
	default:
		return false
	}
}

// validation is what the evaluator has proven about a job's inputs so far.
//
// The distinction between invalidatedSoft and invalidatedHard only matters
// for ephemerals: a softly invalidated ephemeral (it merely gained a new
// ephemeral input) still runs under the constant-output contract and does
// not disturb clean downstreams, while a hard invalidation (a value-bearing
// input appeared, disappeared or changed) releases the contract and forces
// every downstream to rerun.
type validation int

const (
	// validationUnknown: some input's fate is still unresolved.
	validationUnknown validation = iota

	// validationClean: every input resolved unchanged.
	validationClean

	// invalidatedSoft: the only signals are new edges from ephemeral
	// upstreams.
	invalidatedSoft

	// invalidatedHard: a value-bearing input changed, appeared or
	// disappeared, or an upstream ephemeral ran hard-invalidated.
	invalidatedHard
)

func (v validation) String() string {
	switch v {
	case validationUnknown:
		return "unknown"
	case validationClean:
		return "clean"
	case invalidatedSoft:
		return "soft"
	case invalidatedHard:
		return "hard"
	default:
		return "validation(?)"
	}
}

// job is the per-node record the evaluator mutates during a run.
type job struct {
	id   string
	kind JobKind

	state JobState

	validation validation
	// validationFinal: every input edge has resolved; validation will not
	// change again.
	validationFinal bool

	// mustRun is sticky: once the evaluator decides a job has to execute
	// this run it never reverts.
	mustRun bool

	// output is the value reported via EventJobFinishedSuccess.
	output    string
	hasOutput bool

	// staleInputs: the incoming history recorded an input edge that no
	// longer exists in the graph.
	staleInputs bool

	// hadHistory: the incoming history contained a node value for this
	// job, i.e. it succeeded in some earlier run.
	hadHistory bool

	// cleanupDone: the caller confirmed cleanup for this ephemeral.
	cleanupDone bool
}
