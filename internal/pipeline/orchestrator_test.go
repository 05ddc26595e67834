package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func okTask(name string, deps ...string) Task {
	return Task{
		Name:      name,
		DependsOn: deps,
		Run: func(ctx context.Context) (Stats, error) {
			return Stats{Processed: 1}, nil
		},
	}
}

func failTask(name string, err error, deps ...string) Task {
	return Task{
		Name:      name,
		DependsOn: deps,
		Run: func(ctx context.Context) (Stats, error) {
			return Stats{}, err
		},
	}
}

func etlGraph(loader, martBuild, searchIndex Task) []Task {
	return []Task{loader, martBuild, searchIndex}
}

func TestRunAllTasksSucceed(t *testing.T) {
	orch, err := New(etlGraph(
		okTask("seed-load"),
		okTask("mart-build", "seed-load"),
		okTask("search-index", "seed-load"),
	), nil, WithRetry(0, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunSucceeded {
		t.Fatalf("status = %s, want succeeded", rep.Status)
	}
	if rep.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	for _, tr := range rep.Tasks {
		if tr.State != TaskSucceeded {
			t.Errorf("task %s state = %s, want succeeded", tr.Name, tr.State)
		}
		if tr.Stats.Processed != 1 {
			t.Errorf("task %s processed = %d", tr.Name, tr.Stats.Processed)
		}
	}
}

func TestDependencyOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string, deps ...string) Task {
		return Task{
			Name:      name,
			DependsOn: deps,
			Run: func(ctx context.Context) (Stats, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return Stats{}, nil
			},
		}
	}

	orch, err := New(etlGraph(
		record("seed-load"),
		record("mart-build", "seed-load"),
		record("search-index", "seed-load"),
	), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := orch.RunOnce(context.Background(), "test"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(order) != 3 || order[0] != "seed-load" {
		t.Fatalf("execution order = %v, want seed-load first", order)
	}
}

func TestUpstreamFailureSkipsDependentsAndFailsRun(t *testing.T) {
	boom := errors.New("source unreadable")
	orch, err := New(etlGraph(
		failTask("seed-load", boom),
		okTask("mart-build", "seed-load"),
		okTask("search-index", "seed-load"),
	), nil, WithRetry(0, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunFailed {
		t.Fatalf("status = %s, want failed", rep.Status)
	}

	loader := rep.Task("seed-load")
	if loader.State != TaskFailed || loader.Cause != CauseError {
		t.Errorf("seed-load state=%s cause=%s", loader.State, loader.Cause)
	}
	for _, name := range []string{"mart-build", "search-index"} {
		tr := rep.Task(name)
		if tr.State != TaskSkipped {
			t.Errorf("%s state = %s, want skipped", name, tr.State)
		}
		if tr.Cause != CauseDependencyFailed {
			t.Errorf("%s cause = %s, want dependency_failed", name, tr.Cause)
		}
		if tr.StartedAt != nil {
			t.Errorf("%s was started despite skip", name)
		}
	}
}

func TestLeafFailureIsPartial(t *testing.T) {
	boom := errors.New("index rejected everything")
	orch, err := New(etlGraph(
		okTask("seed-load"),
		okTask("mart-build", "seed-load"),
		failTask("search-index", boom, "seed-load"),
	), nil, WithRetry(0, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunPartiallyFailed {
		t.Fatalf("status = %s, want partially-failed", rep.Status)
	}
	if rep.Task("mart-build").State != TaskSucceeded {
		t.Error("mart-build should have succeeded independently")
	}
}

func TestTransientFailureRetried(t *testing.T) {
	var tries int32
	flaky := Task{
		Name: "seed-load",
		Run: func(ctx context.Context) (Stats, error) {
			if atomic.AddInt32(&tries, 1) == 1 {
				return Stats{}, ErrSinkUnavailable
			}
			return Stats{}, nil
		},
	}

	orch, err := New([]Task{flaky}, nil, WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunSucceeded {
		t.Fatalf("status = %s, want succeeded", rep.Status)
	}
	if got := rep.Task("seed-load").Attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	var tries int32
	orch, err := New([]Task{{
		Name: "seed-load",
		Run: func(ctx context.Context) (Stats, error) {
			atomic.AddInt32(&tries, 1)
			return Stats{}, errors.New("bad mapping")
		},
	}}, nil, WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunFailed {
		t.Fatalf("status = %s, want failed", rep.Status)
	}
	if tries != 1 {
		t.Errorf("tries = %d, want 1", tries)
	}
}

func TestConcurrentTriggerRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	orch, err := New([]Task{{
		Name: "seed-load",
		Run: func(ctx context.Context) (Stats, error) {
			once.Do(func() { close(started) })
			<-release
			return Stats{}, nil
		},
	}}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runID, err := orch.Trigger("manual")
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	<-started

	if _, err := orch.Trigger("manual"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("second trigger err = %v, want ErrRunInFlight", err)
	}
	if _, err := orch.RunOnce(context.Background(), "manual"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("RunOnce err = %v, want ErrRunInFlight", err)
	}

	close(release)
	waitForTerminal(t, orch, runID)

	// After the run finishes the lock frees and a new trigger is accepted.
	// The release happens just after the report turns terminal, so poll.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rep, err := orch.RunOnce(context.Background(), "manual")
		if errors.Is(err, ErrRunInFlight) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("post-run trigger: %v", err)
		}
		if rep.Status != RunSucceeded {
			t.Errorf("status = %s", rep.Status)
		}
		break
	}
}

func TestTimeoutFailsRun(t *testing.T) {
	orch, err := New([]Task{{
		Name: "seed-load",
		Run: func(ctx context.Context) (Stats, error) {
			select {
			case <-ctx.Done():
				return Stats{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return Stats{}, nil
			}
		},
	}}, nil, WithTimeout(20*time.Millisecond), WithRetry(0, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunFailed {
		t.Fatalf("status = %s, want failed", rep.Status)
	}
	tr := rep.Task("seed-load")
	if tr.Cause != CauseCancelled {
		t.Errorf("cause = %s, want cancelled", tr.Cause)
	}
	if rep.FinishedAt == nil {
		t.Error("report incomplete: FinishedAt missing")
	}
}

func TestCancelledRunStillProducesReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	orch, err := New(etlGraph(
		Task{Name: "seed-load", Run: func(ctx context.Context) (Stats, error) {
			cancel()
			<-ctx.Done()
			return Stats{Processed: 7}, ctx.Err()
		}},
		okTask("mart-build", "seed-load"),
		okTask("search-index", "seed-load"),
	), nil, WithRetry(0, time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rep, err := orch.RunOnce(ctx, "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != RunFailed {
		t.Fatalf("status = %s, want failed", rep.Status)
	}
	// Partial stats survive into the report even on failure.
	if got := rep.Task("seed-load").Stats.Processed; got != 7 {
		t.Errorf("processed = %d, want 7", got)
	}
	for _, name := range []string{"mart-build", "search-index"} {
		if rep.Task(name).State != TaskSkipped {
			t.Errorf("%s state = %s, want skipped", name, rep.Task(name).State)
		}
	}
}

func TestReportsNewestFirstAndSnapshot(t *testing.T) {
	orch, err := New([]Task{okTask("seed-load")}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	first, err := orch.RunOnce(context.Background(), "a")
	if err != nil {
		t.Fatalf("run a: %v", err)
	}
	second, err := orch.RunOnce(context.Background(), "b")
	if err != nil {
		t.Fatalf("run b: %v", err)
	}

	reports := orch.Reports()
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].RunID != second.RunID || reports[1].RunID != first.RunID {
		t.Errorf("ordering wrong: %s, %s", reports[0].RunID, reports[1].RunID)
	}

	// Mutating a returned report must not leak into the registry.
	reports[0].Tasks[0].State = TaskFailed
	again, ok := orch.Report(second.RunID)
	if !ok {
		t.Fatal("run vanished")
	}
	if again.Tasks[0].State != TaskSucceeded {
		t.Error("registry snapshot was mutated through a returned report")
	}
}

func TestRunEventPublished(t *testing.T) {
	pub := &capturePublisher{}
	orch, err := New([]Task{okTask("seed-load")}, nil, WithPublisher(pub, "clinical.runs"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rep, err := orch.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if pub.published[0].topic != "clinical.runs" || pub.published[0].key != rep.RunID {
		t.Errorf("published to %s key %s", pub.published[0].topic, pub.published[0].key)
	}
}

type capturePublisher struct {
	mu        sync.Mutex
	published []struct {
		topic, key string
	}
}

func (c *capturePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, struct{ topic, key string }{topic, key})
	return nil
}

func waitForTerminal(t *testing.T, orch *Orchestrator, runID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rep, ok := orch.Report(runID); ok && rep.Status != RunRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
}
