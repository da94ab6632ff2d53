package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/IMTMarburg/pipegraph/graph"
	"github.com/IMTMarburg/pipegraph/graph/emit"
	"github.com/IMTMarburg/pipegraph/graph/history"
)

// countingExecutor runs jobs by marking them done and returning canned
// values, so incremental behavior can be asserted across runs.
type countingExecutor struct {
	mu       sync.Mutex
	counters map[string]int
	values   map[string]string
	fail     map[string]bool
	strategy *graph.MemoryStrategy
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{
		counters: make(map[string]int),
		values:   make(map[string]string),
		fail:     make(map[string]bool),
		strategy: graph.NewMemoryStrategy(),
	}
}

func (c *countingExecutor) execute(_ context.Context, jobID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[jobID]++
	if c.fail[jobID] {
		return "", fmt.Errorf("job %s was told to fail", jobID)
	}
	c.strategy.Done[jobID] = true
	value, ok := c.values[jobID]
	if !ok {
		value = "history_" + jobID
	}
	return value, nil
}

func (c *countingExecutor) count(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[jobID]
}

func chainBuild(t *testing.T, ids ...string) func(*graph.Evaluator) error {
	t.Helper()
	return func(ev *graph.Evaluator) error {
		for _, id := range ids {
			if err := ev.AddNode(id, graph.Output); err != nil {
				return err
			}
		}
		for i := 1; i < len(ids); i++ {
			if err := ev.DependsOn(ids[i], ids[i-1]); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestRunnerIncrementalRuns(t *testing.T) {
	exec := newCountingExecutor()
	store := history.NewMemStore()
	r := &Runner{
		Strategy: exec.strategy,
		Execute:  exec.execute,
		Store:    store,
	}
	build := chainBuild(t, "a", "b", "c")

	report, err := r.Run(context.Background(), "pipeline", build)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if got := len(report.RunOrder); got != 3 {
		t.Fatalf("first run executed %d jobs, want 3: %v", got, report.RunOrder)
	}
	if len(report.Failed) != 0 || len(report.UpstreamFailed) != 0 {
		t.Fatalf("unexpected failures: %+v", report)
	}

	report, err = r.Run(context.Background(), "pipeline", build)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := len(report.RunOrder); got != 0 {
		t.Errorf("second run executed %d jobs, want 0: %v", got, report.RunOrder)
	}
	for _, id := range []string{"a", "b", "c"} {
		if exec.count(id) != 1 {
			t.Errorf("job %q ran %d times, want 1", id, exec.count(id))
		}
	}
}

func TestRunnerRunOrderIsTopological(t *testing.T) {
	exec := newCountingExecutor()
	r := &Runner{
		Strategy:          exec.strategy,
		Execute:           exec.execute,
		MaxConcurrentJobs: 4,
	}

	// diamond with an extra edge: the only legal order is J3, J76, J2, J0
	report, err := r.Run(context.Background(), "diamond", func(ev *graph.Evaluator) error {
		if err := ev.AddNode("J0", graph.Output); err != nil {
			return err
		}
		if err := ev.AddNode("J2", graph.Ephemeral); err != nil {
			return err
		}
		if err := ev.AddNode("J3", graph.Ephemeral); err != nil {
			return err
		}
		if err := ev.AddNode("J76", graph.Output); err != nil {
			return err
		}
		for _, e := range [][2]string{{"J0", "J2"}, {"J2", "J3"}, {"J2", "J76"}, {"J76", "J3"}} {
			if err := ev.DependsOn(e[0], e[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"J3", "J76", "J2", "J0"}
	if len(report.RunOrder) != len(want) {
		t.Fatalf("run order %v, want %v", report.RunOrder, want)
	}
	for i := range want {
		if report.RunOrder[i] != want[i] {
			t.Fatalf("run order %v, want %v", report.RunOrder, want)
		}
	}
}

func TestRunnerConcurrentExecution(t *testing.T) {
	exec := newCountingExecutor()
	r := &Runner{
		Strategy:          exec.strategy,
		Execute:           exec.execute,
		MaxConcurrentJobs: 8,
	}

	report, err := r.Run(context.Background(), "fanout", func(ev *graph.Evaluator) error {
		if err := ev.AddNode("root", graph.Output); err != nil {
			return err
		}
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("leaf%02d", i)
			if err := ev.AddNode(id, graph.Output); err != nil {
				return err
			}
			if err := ev.DependsOn(id, "root"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(report.Succeeded); got != 21 {
		t.Errorf("%d jobs succeeded, want 21", got)
	}
	if report.RunOrder[0] != "root" {
		t.Errorf("run order started with %q, want root", report.RunOrder[0])
	}
}

func TestRunnerFailurePropagation(t *testing.T) {
	exec := newCountingExecutor()
	exec.fail["b"] = true
	r := &Runner{
		Strategy: exec.strategy,
		Execute:  exec.execute,
	}

	report, err := r.Run(context.Background(), "failing", chainBuild(t, "a", "b", "c"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != "b" {
		t.Errorf("Failed = %v, want [b]", report.Failed)
	}
	if len(report.UpstreamFailed) != 1 || report.UpstreamFailed[0] != "c" {
		t.Errorf("UpstreamFailed = %v, want [c]", report.UpstreamFailed)
	}
	if exec.count("c") != 0 {
		t.Errorf("job c ran despite its upstream failing")
	}
	// a's success is still in the history
	if _, ok := report.History["a"]; !ok {
		t.Errorf("history is missing a: %v", report.History)
	}
}

func TestRunnerIndependentBranchesSurviveFailure(t *testing.T) {
	exec := newCountingExecutor()
	exec.fail["left"] = true
	r := &Runner{
		Strategy: exec.strategy,
		Execute:  exec.execute,
	}

	report, err := r.Run(context.Background(), "branches", func(ev *graph.Evaluator) error {
		for _, id := range []string{"left", "right", "right2"} {
			if err := ev.AddNode(id, graph.Output); err != nil {
				return err
			}
		}
		return ev.DependsOn("right2", "right")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.count("right2") != 1 {
		t.Error("the independent branch did not finish")
	}
	if len(report.Failed) != 1 || report.Failed[0] != "left" {
		t.Errorf("Failed = %v, want [left]", report.Failed)
	}
}

func TestRunnerCleanup(t *testing.T) {
	exec := newCountingExecutor()
	var cleaned []string
	r := &Runner{
		Strategy: exec.strategy,
		Execute:  exec.execute,
		Cleanup: func(_ context.Context, jobID string) error {
			cleaned = append(cleaned, jobID)
			return nil
		},
	}

	_, err := r.Run(context.Background(), "cleanup", func(ev *graph.Evaluator) error {
		if err := ev.AddNode("tmp", graph.Ephemeral); err != nil {
			return err
		}
		if err := ev.AddNode("out", graph.Output); err != nil {
			return err
		}
		return ev.DependsOn("out", "tmp")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "tmp" {
		t.Errorf("cleaned = %v, want [tmp]", cleaned)
	}
}

func TestRunnerContractViolationIsReported(t *testing.T) {
	exec := newCountingExecutor()
	store := history.NewMemStore()
	r := &Runner{
		Strategy: exec.strategy,
		Execute:  exec.execute,
		Store:    store,
	}
	build := func(ev *graph.Evaluator) error {
		if err := ev.AddNode("tmp", graph.Ephemeral); err != nil {
			return err
		}
		if err := ev.AddNode("out", graph.Output); err != nil {
			return err
		}
		return ev.DependsOn("out", "tmp")
	}

	exec.values["tmp"] = "v1"
	if _, err := r.Run(context.Background(), "contract", build); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// delete out's artifact and make tmp unfaithful
	delete(exec.strategy.Done, "out")
	exec.values["tmp"] = "v2"
	report, err := r.Run(context.Background(), "contract", build)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(report.ContractViolations) != 1 || report.ContractViolations[0] != "tmp" {
		t.Errorf("ContractViolations = %v, want [tmp]", report.ContractViolations)
	}
	if exec.count("out") != 2 {
		t.Errorf("out ran %d times, want 2 (the run continues past the violation)", exec.count("out"))
	}
}

func TestRunnerCancellationDrainsGraph(t *testing.T) {
	exec := newCountingExecutor()
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	r := &Runner{
		Strategy: exec.strategy,
		Execute: func(ctx context.Context, jobID string) (string, error) {
			if jobID == "a" {
				close(started)
				<-release
				return "", ctx.Err()
			}
			return exec.execute(ctx, jobID)
		},
	}

	go func() {
		<-started
		cancel()
		close(release)
	}()

	report, err := r.Run(ctx, "cancelled", chainBuild(t, "a", "b", "c"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Failed) == 0 {
		t.Error("cancellation produced no failed jobs")
	}
	if exec.count("b") != 0 || exec.count("c") != 0 {
		t.Error("downstream jobs ran after cancellation")
	}
}

func TestRunnerEmitsEvents(t *testing.T) {
	exec := newCountingExecutor()
	emitter := emit.NewBufferedEmitter()
	r := &Runner{
		Strategy: exec.strategy,
		Execute:  exec.execute,
		Emitter:  emitter,
	}
	report, err := r.Run(context.Background(), "events", chainBuild(t, "a", "b"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := emitter.GetHistory(report.RunID)
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Msg != emit.MsgStartup {
		t.Errorf("first event = %q, want startup", events[0].Msg)
	}
	finished := emitter.GetHistoryWithFilter(report.RunID, emit.HistoryFilter{Msg: emit.MsgRunFinished})
	if len(finished) != 1 {
		t.Errorf("got %d run_finished events, want 1", len(finished))
	}
}

func TestRunnerRequiresStrategyAndExecute(t *testing.T) {
	r := &Runner{}
	if _, err := r.Run(context.Background(), "x", func(*graph.Evaluator) error { return nil }); err == nil {
		t.Fatal("Run without Strategy succeeded")
	}
	r.Strategy = graph.NewMemoryStrategy()
	if _, err := r.Run(context.Background(), "x", func(*graph.Evaluator) error { return nil }); err == nil {
		t.Fatal("Run without Execute succeeded")
	}
}

func TestRunnerSurfacesBuildErrors(t *testing.T) {
	exec := newCountingExecutor()
	r := &Runner{Strategy: exec.strategy, Execute: exec.execute}
	_, err := r.Run(context.Background(), "bad", func(ev *graph.Evaluator) error {
		if err := ev.AddNode("a", graph.Output); err != nil {
			return err
		}
		return ev.DependsOn("a", "a")
	})
	var apiError *graph.APIError
	if !errors.As(err, &apiError) {
		t.Fatalf("Run = %v, want the registration APIError", err)
	}
}
