package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

// RetryCoordinator decides what happens to a segment that just failed.
type RetryCoordinator struct {
	cfg        Config
	store      store.Store
	scheduler  Scheduler
	notifier   Notifier
	aggregator *RenderJobAggregator
	log        zerolog.Logger
}

// OnFailed requeues a retryable failure while budget remains and otherwise
// tells the aggregator the owning job has to fail. Callers hold the
// segment's lock.
func (r *RetryCoordinator) OnFailed(ctx context.Context, seg *model.Segment) error {
	if seg.Status != model.SegmentStatusFailed || seg.ErrorCode == nil {
		return nil
	}

	job, err := r.store.GetRenderJob(ctx, seg.RenderJobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("retry: load render job: %w", err)
	}
	if !job.AcceptsSegmentEvents() {
		// The job already failed or was cancelled; stragglers stay failed.
		return nil
	}

	code := *seg.ErrorCode
	log := r.log.With().
		Str("segment_id", seg.ID).
		Str("job_id", job.ID).
		Int("attempt", seg.Attempts).
		Str("error_code", string(code)).
		Logger()

	if !code.Retryable() || seg.Attempts >= r.cfg.MaxAttempts {
		log.Warn().Bool("retryable", code.Retryable()).Msg("segment failed permanently")
		return r.aggregator.OnSegmentExhausted(ctx, seg)
	}

	updated, err := r.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusFailed), func(s *model.Segment) error {
		s.ResetPending()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("retry: requeue: %w", err)
	}

	delay := r.cfg.Backoff(seg.Attempts)
	log.Info().Dur("delay", delay).Msg("segment requeued")
	r.notifier.SegmentUpdated(updated)
	return r.scheduler.ScheduleDispatch(ctx, seg.ID, delay)
}
