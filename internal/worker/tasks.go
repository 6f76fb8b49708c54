package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/videofoundry/api/internal/engine"
)

// Task types
const (
	TaskTypeSegmentDispatch = "segment:dispatch"
	TaskTypeSegmentPoll     = "segment:poll"
	TaskTypeRenderComposite = "render:composite"
	TaskTypeRenderSweep     = "render:sweep"
)

// Queues
const (
	QueueSegments = "segments"
	QueueRender   = "render"
)

// Queues returns the asynq queue priorities. Compositing is rare but holds
// up a finished render, so it gets the larger share.
func Queues() map[string]int {
	return map[string]int{
		QueueRender:   6,
		QueueSegments: 4,
	}
}

type segmentPayload struct {
	SegmentID string `json:"segmentId"`
}

type renderJobPayload struct {
	RenderJobID string `json:"renderJobId"`
}

func newSegmentTask(taskType, segmentID string) (*asynq.Task, error) {
	data, err := json.Marshal(segmentPayload{SegmentID: segmentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func newCompositeTask(renderJobID string) (*asynq.Task, error) {
	data, err := json.Marshal(renderJobPayload{RenderJobID: renderJobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRenderComposite, data), nil
}

// NewSweepTask creates the periodic task that repairs broken step chains.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeRenderSweep, nil)
}

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqScheduler runs engine steps as asynq tasks. Delays map to ProcessIn.
type AsynqScheduler struct {
	client Enqueuer
	// maxRetry covers infrastructure errors only; generation failures are
	// retried by the engine itself.
	maxRetry  int
	retention time.Duration
}

// NewAsynqScheduler creates a scheduler on top of an asynq client.
func NewAsynqScheduler(client Enqueuer) *AsynqScheduler {
	return &AsynqScheduler{
		client:    client,
		maxRetry:  5,
		retention: time.Hour,
	}
}

func (s *AsynqScheduler) ScheduleDispatch(ctx context.Context, segmentID string, delay time.Duration) error {
	task, err := newSegmentTask(TaskTypeSegmentDispatch, segmentID)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, task, QueueSegments, delay)
}

func (s *AsynqScheduler) SchedulePoll(ctx context.Context, segmentID string, delay time.Duration) error {
	task, err := newSegmentTask(TaskTypeSegmentPoll, segmentID)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, task, QueueSegments, delay)
}

func (s *AsynqScheduler) ScheduleComposite(ctx context.Context, renderJobID string, delay time.Duration) error {
	task, err := newCompositeTask(renderJobID)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, task, QueueRender, delay)
}

func (s *AsynqScheduler) enqueue(ctx context.Context, task *asynq.Task, queue string, delay time.Duration) error {
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.retention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	return nil
}

var _ engine.Scheduler = (*AsynqScheduler)(nil)
