// Package runner drives an evaluator run end to end: it loads history,
// executes ready jobs through a caller-supplied function (concurrently if
// asked), serializes all evaluator events into a single loop, and saves
// the new history.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/IMTMarburg/pipegraph/graph"
	"github.com/IMTMarburg/pipegraph/graph/emit"
	"github.com/IMTMarburg/pipegraph/graph/history"
)

// JobFunc executes one job and returns its new history value. The value
// is opaque to the evaluator; it feeds the next run's invalidation
// decisions. A non-nil error reports the job as failed.
type JobFunc func(ctx context.Context, jobID string) (string, error)

// CleanupFunc disposes of an ephemeral job's materialized output once
// every downstream has finished.
type CleanupFunc func(ctx context.Context, jobID string) error

// Runner executes evaluator runs.
//
// Jobs run concurrently up to MaxConcurrentJobs, but all evaluator events
// flow through the single Run loop, preserving the evaluator's
// single-threaded contract.
type Runner struct {
	// Strategy answers artifact presence and history comparison.
	// Required.
	Strategy graph.Strategy

	// Execute runs one job. Required.
	Execute JobFunc

	// Cleanup, if set, is invoked for every ephemeral that becomes
	// cleanup-ready once the run has finished.
	Cleanup CleanupFunc

	// Store persists history between runs. If nil, history only travels
	// through Report.History and the caller wires it back in.
	Store history.Store

	// Emitter receives the evaluator's lifecycle events. Optional.
	Emitter emit.Emitter

	// Metrics enables Prometheus collection. Optional.
	Metrics *graph.EvaluatorMetrics

	// MaxConcurrentJobs caps parallel Execute calls. Values below 1 mean
	// sequential execution.
	MaxConcurrentJobs int
}

// Report summarizes a finished run.
type Report struct {
	// RunID is the generated identifier events were tagged with.
	RunID string

	// RunOrder lists the jobs in the order they were reported running.
	// After cancellation this includes jobs that were reported as failed
	// without being executed.
	RunOrder []string

	// Succeeded, Failed and UpstreamFailed hold terminal outcomes, each
	// sorted by job id. Succeeded only lists jobs that actually ran.
	Succeeded      []string
	Failed         []string
	UpstreamFailed []string

	// ContractViolations lists ephemerals that changed their output on a
	// rerun that did not invalidate them. The run continues past these;
	// see graph.ErrEphemeralChangedOutput.
	ContractViolations []string

	// History is the map persisted for the next run.
	History map[string]string
}

type jobResult struct {
	jobID string
	value string
	err   error
}

// Run loads the history stored under runKey, builds the graph via build,
// drives the evaluator to completion and saves the new history under the
// same key.
//
// Independent branches keep running after a job fails; the run as a whole
// still completes and the failures are listed in the report. When ctx is
// cancelled, jobs not yet started are reported to the evaluator as
// failures and the graph drains via UpstreamFailed.
func (r *Runner) Run(ctx context.Context, runKey string, build func(*graph.Evaluator) error) (*Report, error) {
	if r.Strategy == nil {
		return nil, fmt.Errorf("runner: Strategy is required")
	}
	if r.Execute == nil {
		return nil, fmt.Errorf("runner: Execute is required")
	}

	prior := map[string]string{}
	if r.Store != nil {
		loaded, err := r.Store.Load(ctx, runKey)
		switch {
		case err == nil:
			prior = loaded
		case errors.Is(err, history.ErrNotFound):
			// first run
		default:
			return nil, fmt.Errorf("runner: loading history %q: %w", runKey, err)
		}
	}

	runID := uuid.NewString()
	opts := []graph.Option{graph.WithRunID(runID)}
	if r.Emitter != nil {
		opts = append(opts, graph.WithEmitter(r.Emitter))
	}
	if r.Metrics != nil {
		opts = append(opts, graph.WithMetrics(r.Metrics))
	}
	ev := graph.NewWithHistory(prior, r.Strategy, opts...)

	if err := build(ev); err != nil {
		return nil, fmt.Errorf("runner: building graph: %w", err)
	}
	if err := ev.EventStartup(); err != nil {
		return nil, err
	}

	report := &Report{RunID: runID}
	if err := r.drive(ctx, ev, report); err != nil {
		return nil, err
	}

	if !ev.VerifyOrderWasTopological(report.RunOrder) {
		return nil, fmt.Errorf("runner: run order %v violated the dependency order", report.RunOrder)
	}

	if r.Cleanup != nil {
		for _, jobID := range ev.QueryReadyForCleanup() {
			if err := r.Cleanup(ctx, jobID); err != nil {
				return nil, fmt.Errorf("runner: cleanup of %q: %w", jobID, err)
			}
			if err := ev.EventJobCleanupDone(jobID); err != nil {
				return nil, err
			}
		}
	}

	report.Failed = ev.QueryFailed()
	report.UpstreamFailed = ev.QueryUpstreamFailed()
	report.History = ev.NewHistory()
	sort.Strings(report.Succeeded)

	if r.Store != nil {
		if err := r.Store.Save(ctx, runKey, report.History); err != nil {
			return nil, fmt.Errorf("runner: saving history %q: %w", runKey, err)
		}
	}
	return report, nil
}

// drive is the event loop: dispatch ready jobs to workers, feed results
// back into the evaluator, repeat until every job is terminal.
func (r *Runner) drive(ctx context.Context, ev *graph.Evaluator, report *Report) error {
	slots := r.MaxConcurrentJobs
	if slots < 1 {
		slots = 1
	}
	results := make(chan jobResult)
	inflight := 0
	cancelled := false

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
		}

		for inflight < slots {
			ready := ev.QueryReadyToRun()
			if len(ready) == 0 {
				break
			}
			jobID := ready[0]
			if err := ev.EventNowRunning(jobID); err != nil {
				return err
			}
			report.RunOrder = append(report.RunOrder, jobID)
			inflight++
			if cancelled {
				// Drain without executing: the job is reported as failed
				// and its descendants become UpstreamFailed.
				go func(id string) {
					results <- jobResult{jobID: id, err: ctx.Err()}
				}(jobID)
				continue
			}
			go func(id string) {
				value, err := r.Execute(ctx, id)
				results <- jobResult{jobID: id, value: value, err: err}
			}(jobID)
		}

		if inflight == 0 {
			if ev.IsFinished() {
				return nil
			}
			return fmt.Errorf("runner: no job ready and none running, but the run is not finished")
		}

		res := <-results
		inflight--
		if res.err != nil {
			if err := ev.EventJobFinishedFailure(res.jobID); err != nil {
				return err
			}
			continue
		}
		err := ev.EventJobFinishedSuccess(res.jobID, res.value)
		switch {
		case err == nil:
			report.Succeeded = append(report.Succeeded, res.jobID)
		case errors.Is(err, graph.ErrEphemeralChangedOutput):
			report.Succeeded = append(report.Succeeded, res.jobID)
			report.ContractViolations = append(report.ContractViolations, res.jobID)
		default:
			return err
		}
	}
}
