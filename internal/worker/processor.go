// Package worker plugs the processing pipeline into the asynq worker loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/pipeline"
	"github.com/rollcall-app/rollcall/internal/queue"
)

// Processor handles attendance processing tasks.
type Processor struct {
	pipeline *pipeline.Processor
	log      *logging.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(p *pipeline.Processor, log *logging.Logger) *Processor {
	return &Processor{pipeline: p, log: log.With("component", "worker")}
}

// Handler registers task handlers on an asynq mux.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessAttendanceTask, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// A payload we cannot decode will never succeed; drop it.
		p.log.Error("drop undecodable task", "error", err)
		return nil
	}
	if err := p.pipeline.Process(ctx, payload.JobID); err != nil {
		// Only pre-claim infrastructure errors bubble up; let asynq retry.
		return fmt.Errorf("process job %s: %w", payload.JobID, err)
	}
	return nil
}
