package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Steps are the engine steps a task can trigger.
type Steps interface {
	Dispatch(ctx context.Context, segmentID string) error
	Poll(ctx context.Context, segmentID string) error
	Composite(ctx context.Context, renderJobID string) error
	Sweep(ctx context.Context) error
}

// RenderWorker turns asynq tasks into engine steps. A returned error makes
// asynq retry the task, which is safe because every step is idempotent.
type RenderWorker struct {
	steps Steps
	log   zerolog.Logger
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(steps Steps, log zerolog.Logger) *RenderWorker {
	return &RenderWorker{
		steps: steps,
		log:   log.With().Str("component", "worker").Logger(),
	}
}

// Register wires the task handlers into mux.
func (w *RenderWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeSegmentDispatch, w.ProcessDispatch)
	mux.HandleFunc(TaskTypeSegmentPoll, w.ProcessPoll)
	mux.HandleFunc(TaskTypeRenderComposite, w.ProcessComposite)
	mux.HandleFunc(TaskTypeRenderSweep, w.ProcessSweep)
}

func (w *RenderWorker) ProcessDispatch(ctx context.Context, t *asynq.Task) error {
	id, err := segmentID(t)
	if err != nil {
		return err
	}
	return w.run(t, id, func() error { return w.steps.Dispatch(ctx, id) })
}

func (w *RenderWorker) ProcessPoll(ctx context.Context, t *asynq.Task) error {
	id, err := segmentID(t)
	if err != nil {
		return err
	}
	return w.run(t, id, func() error { return w.steps.Poll(ctx, id) })
}

func (w *RenderWorker) ProcessComposite(ctx context.Context, t *asynq.Task) error {
	var p renderJobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.RenderJobID == "" {
		return fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return w.run(t, p.RenderJobID, func() error { return w.steps.Composite(ctx, p.RenderJobID) })
}

// ProcessSweep is never retried; the next tick runs it again.
func (w *RenderWorker) ProcessSweep(ctx context.Context, t *asynq.Task) error {
	if err := w.steps.Sweep(ctx); err != nil {
		w.log.Error().Err(err).Str("task", t.Type()).Msg("sweep failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func (w *RenderWorker) run(t *asynq.Task, id string, step func() error) error {
	if err := step(); err != nil {
		w.log.Error().Err(err).Str("task", t.Type()).Str("id", id).Msg("task failed, will be retried")
		return err
	}
	return nil
}

func segmentID(t *asynq.Task) (string, error) {
	var p segmentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.SegmentID == "" {
		return "", fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return p.SegmentID, nil
}
