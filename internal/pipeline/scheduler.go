package pipeline

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers recurring runs on a cron expression. A tick that lands
// while a run is still in flight is dropped, not queued.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler wires a cron expression to the orchestrator trigger.
func NewScheduler(orch *Orchestrator, spec string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		runID, err := orch.Trigger("schedule")
		if errors.Is(err, ErrRunInFlight) {
			logger.Warn("scheduled run dropped, previous run still in flight")
			return
		}
		if err != nil {
			logger.Error("scheduled trigger failed", zap.Error(err))
			return
		}
		logger.Info("scheduled run triggered", zap.String("run_id", runID))
	})
	if err != nil {
		return nil, fmt.Errorf("bad schedule %q: %w", spec, err)
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts the schedule; an in-flight run is left to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}
