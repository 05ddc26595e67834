package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/internal/observability/metrics"
)

// maxRetainedRuns bounds the in-memory run registry.
const maxRetainedRuns = 50

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the run-level deadline. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithRetry bounds per-task retries of transient failures.
func WithRetry(max int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryMax = max
		o.retryDelay = delay
	}
}

// WithPublisher emits the run report to a topic after each run.
func WithPublisher(p Publisher, topic string) Option {
	return func(o *Orchestrator) {
		o.publisher = p
		o.topic = topic
	}
}

// WithMetrics records run and task metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator owns the task graph and executes runs. One run at a time:
// a trigger while a run is in flight is rejected with ErrRunInFlight.
type Orchestrator struct {
	tasks map[string]Task
	order []string
	graph Graph

	timeout    time.Duration
	retryMax   int
	retryDelay time.Duration

	publisher Publisher
	topic     string
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	lock     runLock
	registry *registry
}

// New validates the task graph and creates an orchestrator.
func New(tasks []Task, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("pipeline: no tasks")
	}

	o := &Orchestrator{
		tasks:      make(map[string]Task, len(tasks)),
		graph:      make(Graph, len(tasks)),
		retryMax:   2,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
		tracer:     otel.Tracer("pipeline"),
		registry:   newRegistry(maxRetainedRuns),
	}
	for _, t := range tasks {
		if t.Run == nil {
			return nil, fmt.Errorf("pipeline: task %q has no run function", t.Name)
		}
		if _, dup := o.tasks[t.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate task %q", t.Name)
		}
		o.tasks[t.Name] = t
		o.order = append(o.order, t.Name)
		o.graph[t.Name] = t.DependsOn
	}
	if err := o.graph.Validate(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Trigger starts a run asynchronously and returns its id, or
// ErrRunInFlight when one is already executing.
func (o *Orchestrator) Trigger(trigger string) (string, error) {
	if !o.lock.TryAcquire() {
		return "", ErrRunInFlight
	}

	rep := o.newReport(trigger)
	o.registry.put(rep)

	go func() {
		defer o.lock.Release()
		o.execute(context.Background(), rep)
	}()
	return rep.RunID, nil
}

// RunOnce executes one run synchronously and returns its report.
func (o *Orchestrator) RunOnce(ctx context.Context, trigger string) (*Report, error) {
	if !o.lock.TryAcquire() {
		return nil, ErrRunInFlight
	}
	defer o.lock.Release()

	rep := o.newReport(trigger)
	o.registry.put(rep)
	o.execute(ctx, rep)

	out, _ := o.registry.get(rep.RunID)
	return out, nil
}

// Report returns a snapshot of one run's report.
func (o *Orchestrator) Report(runID string) (*Report, bool) {
	return o.registry.get(runID)
}

// Reports returns snapshots of retained runs, newest first.
func (o *Orchestrator) Reports() []*Report {
	return o.registry.list()
}

func (o *Orchestrator) newReport(trigger string) *Report {
	rep := &Report{
		RunID:     uuid.New().String(),
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	for _, name := range o.order {
		rep.Tasks = append(rep.Tasks, TaskReport{Name: name, State: TaskPending})
	}
	return rep
}

// execute drives one run to a terminal status. The coordinator goroutine is
// the only writer of task states; worker goroutines hand results back over
// a channel.
func (o *Orchestrator) execute(ctx context.Context, rep *Report) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "pipeline_run",
		trace.WithAttributes(
			attribute.String("run_id", rep.RunID),
			attribute.String("trigger", rep.Trigger),
		))
	defer span.End()

	if o.metrics != nil {
		o.metrics.RunsInFlight.Inc()
		defer o.metrics.RunsInFlight.Dec()
	}
	o.logger.Info("run started",
		zap.String("run_id", rep.RunID),
		zap.String("trigger", rep.Trigger))

	states := make(map[string]TaskState, len(o.order))
	for _, name := range o.order {
		states[name] = TaskPending
	}

	type result struct {
		name   string
		report TaskReport
	}
	results := make(chan result)
	running := 0

	for {
		// Propagate failures: a pending task with a failed or skipped
		// dependency is skipped, never attempted.
		for changed := true; changed; {
			changed = false
			for _, name := range o.order {
				if states[name] != TaskPending {
					continue
				}
				for _, dep := range o.graph[name] {
					if states[dep] != TaskFailed && states[dep] != TaskSkipped {
						continue
					}
					states[name] = TaskSkipped
					tr := rep.Task(name)
					tr.State = TaskSkipped
					tr.Cause = CauseDependencyFailed
					tr.Error = fmt.Sprintf("dependency %q did not succeed", dep)
					o.logger.Warn("task skipped",
						zap.String("run_id", rep.RunID),
						zap.String("task", name),
						zap.String("dependency", dep))
					changed = true
					break
				}
			}
		}

		// Start every ready task; tasks with no edge between them run
		// concurrently.
		for _, name := range o.order {
			if states[name] != TaskPending {
				continue
			}
			ready := true
			for _, dep := range o.graph[name] {
				if states[dep] != TaskSucceeded {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			states[name] = TaskRunning
			now := time.Now().UTC()
			tr := rep.Task(name)
			tr.State = TaskRunning
			tr.StartedAt = &now
			running++
			go func(t Task) {
				results <- result{name: t.Name, report: o.runTask(ctx, t)}
			}(o.tasks[name])
		}
		o.registry.put(rep)

		if running == 0 {
			break
		}
		res := <-results
		running--
		*rep.Task(res.name) = res.report
		states[res.name] = res.report.State
	}

	rep.Status = terminalStatus(rep, ctx.Err() != nil)
	now := time.Now().UTC()
	rep.FinishedAt = &now
	o.registry.put(rep)

	if o.metrics != nil {
		o.metrics.RunsTotal.WithLabelValues(string(rep.Status)).Inc()
	}
	span.SetAttributes(attribute.String("status", string(rep.Status)))
	o.logger.Info("run finished",
		zap.String("run_id", rep.RunID),
		zap.String("status", string(rep.Status)),
		zap.Duration("duration", now.Sub(rep.StartedAt)))

	o.publishReport(rep)
}

// runTask executes one task with bounded retries of transient failures.
func (o *Orchestrator) runTask(ctx context.Context, t Task) TaskReport {
	start := time.Now().UTC()
	tr := TaskReport{Name: t.Name, State: TaskRunning, StartedAt: &start}

	ctx, span := o.tracer.Start(ctx, "pipeline_task",
		trace.WithAttributes(attribute.String("task", t.Name)))
	defer span.End()

	var stats Stats
	var err error
	attempts := 0
	for {
		attempts++
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			break
		}

		stats, err = t.Run(ctx)
		if err == nil || !IsTransient(err) || attempts > o.retryMax {
			break
		}

		o.logger.Warn("task retrying",
			zap.String("task", t.Name),
			zap.Int("attempt", attempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(o.retryDelay << (attempts - 1)):
			continue
		}
		break
	}

	end := time.Now().UTC()
	tr.FinishedAt = &end
	tr.Attempts = attempts
	tr.Stats = stats

	if o.metrics != nil {
		o.metrics.TaskDuration.WithLabelValues(t.Name).Observe(end.Sub(start).Seconds())
	}

	if err != nil {
		tr.State = TaskFailed
		tr.Error = err.Error()
		if IsCancellation(err) {
			tr.Cause = CauseCancelled
		} else {
			tr.Cause = CauseError
		}
		span.RecordError(err)
		if o.metrics != nil {
			o.metrics.TaskFailures.WithLabelValues(t.Name).Inc()
		}
		o.logger.Error("task failed",
			zap.String("task", t.Name),
			zap.String("cause", tr.Cause),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return tr
	}

	tr.State = TaskSucceeded
	o.logger.Info("task succeeded",
		zap.String("task", t.Name),
		zap.Int("processed", stats.Processed),
		zap.Int("rejected", stats.Rejected),
		zap.Duration("duration", end.Sub(start)))
	return tr
}

// terminalStatus derives the run status from the task table. Skips mean a
// failure blocked downstream work; a failure with nothing blocked is
// partial; a run that produced nothing at all, or hit its deadline, failed.
func terminalStatus(rep *Report, timedOut bool) RunStatus {
	anyFailed, anySkipped, anySucceeded := false, false, false
	for _, tr := range rep.Tasks {
		switch tr.State {
		case TaskFailed:
			anyFailed = true
		case TaskSkipped:
			anySkipped = true
		case TaskSucceeded:
			anySucceeded = true
		}
	}
	switch {
	case timedOut, anySkipped, anyFailed && !anySucceeded:
		return RunFailed
	case anyFailed:
		return RunPartiallyFailed
	default:
		return RunSucceeded
	}
}
