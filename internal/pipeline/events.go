package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher emits run events to a topic. Wired to the message broker in
// production; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventRunCompleted is emitted once per run, terminal status included.
const EventRunCompleted = "RunCompleted"

// RunEvent is the envelope published after each run.
type RunEvent struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Report     *Report   `json:"report"`
}

// publishReport emits the run report as a RunCompleted event. Publishing is
// best-effort: a broker failure is logged, never escalated, because the
// report itself already lives in the registry.
func (o *Orchestrator) publishReport(rep *Report) {
	if o.publisher == nil {
		return
	}

	event := RunEvent{
		ID:         uuid.New().String(),
		EventType:  EventRunCompleted,
		OccurredAt: time.Now().UTC(),
		Report:     rep,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		o.logger.Error("marshal run event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.publisher.Publish(ctx, o.topic, rep.RunID, payload); err != nil {
		o.logger.Error("publish run event",
			zap.String("run_id", rep.RunID),
			zap.String("topic", o.topic),
			zap.Error(err))
		return
	}
	o.logger.Debug("run event published",
		zap.String("run_id", rep.RunID),
		zap.String("topic", o.topic))
}
