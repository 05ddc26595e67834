package pipeline

import (
	"context"
	"time"
)

// TaskState is the per-task state machine: pending → running →
// {succeeded, failed}; a task whose dependency did not succeed goes
// straight to skipped and is never attempted.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// RunStatus is the terminal status of one pipeline run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	// RunSucceeded: every task succeeded.
	RunSucceeded RunStatus = "succeeded"
	// RunPartiallyFailed: a leaf task failed but everything upstream of it
	// succeeded; succeeded sinks are not rolled back.
	RunPartiallyFailed RunStatus = "partially-failed"
	// RunFailed: a failure blocked dependent tasks, or the run deadline
	// expired.
	RunFailed RunStatus = "failed"
)

// Failure causes recorded on task reports.
const (
	CauseError            = "error"
	CauseCancelled        = "cancelled"
	CauseDependencyFailed = "dependency_failed"
)

// Stats carries row-level counts from a task into the run report.
type Stats struct {
	// Processed counts rows loaded, views built, or documents published.
	Processed int `json:"processed"`
	// Rejected counts rows or documents recorded and skipped.
	Rejected int `json:"rejected"`
	// Detail holds the task's own summary for the report payload.
	Detail any `json:"detail,omitempty"`
}

// TaskFunc executes one task. It must honor ctx cancellation at row or
// document boundaries and return whatever stats it gathered even on error.
type TaskFunc func(ctx context.Context) (Stats, error)

// Task is one named node in the pipeline.
type Task struct {
	Name      string
	DependsOn []string
	Run       TaskFunc
}

// TaskReport is the per-task record in a run report.
type TaskReport struct {
	Name       string     `json:"name"`
	State      TaskState  `json:"state"`
	Cause      string     `json:"cause,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stats      Stats      `json:"stats"`
}

// Report is the structured summary of one run. It is produced for every
// run, failed ones included.
type Report struct {
	RunID      string       `json:"run_id"`
	Trigger    string       `json:"trigger"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Tasks      []TaskReport `json:"tasks"`
}

// Task returns the report entry for a task name.
func (r *Report) Task(name string) *TaskReport {
	for i := range r.Tasks {
		if r.Tasks[i].Name == name {
			return &r.Tasks[i]
		}
	}
	return nil
}
