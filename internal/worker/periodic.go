package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/logging"
)

// SweepSpec is the cron spec that runs the sweep every interval.
func SweepSpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// NewPeriodicScheduler creates the asynq scheduler that enqueues the sweep
// task. Every API process runs one; the unique option keeps it to a single
// queued sweep per interval.
func NewPeriodicScheduler(redisOpt asynq.RedisConnOpt, interval time.Duration, logLevel string, log zerolog.Logger) (*asynq.Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   logging.NewAsynqLogger(log),
		LogLevel: logging.AsynqLevel(logLevel),
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			if errors.Is(err, asynq.ErrDuplicateTask) {
				return
			}
			log.Error().Err(err).Str("task", task.Type()).Msg("failed to enqueue periodic task")
		},
	})
	_, err := scheduler.Register(SweepSpec(interval), NewSweepTask(),
		asynq.Queue(QueueRender),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
	if err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	return scheduler, nil
}
