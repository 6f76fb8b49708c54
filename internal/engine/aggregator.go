package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

// RenderJobAggregator keeps a render job's status and progress in line with
// its snapshot segments.
type RenderJobAggregator struct {
	store     store.Store
	scheduler Scheduler
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time
}

// OnSegmentCompleted recomputes progress of the segment's job.
func (a *RenderJobAggregator) OnSegmentCompleted(ctx context.Context, seg *model.Segment) error {
	if seg.RenderJobID == "" {
		return nil
	}
	return a.Refresh(ctx, seg.RenderJobID)
}

// Refresh recounts completed snapshot segments and starts compositing when
// all of them are done. The counter never decreases.
func (a *RenderJobAggregator) Refresh(ctx context.Context, jobID string) error {
	job, err := a.store.GetRenderJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("aggregate: load render job: %w", err)
	}
	if !job.AcceptsSegmentEvents() {
		return nil
	}

	completed, err := a.countCompleted(ctx, job)
	if err != nil {
		return err
	}

	updated, err := a.store.UpdateRenderJob(ctx, jobID, store.RenderJobs(model.RenderJobStatusPending, model.RenderJobStatusProcessing), func(j *model.RenderJob) error {
		if completed > j.SegmentsTotal {
			completed = j.SegmentsTotal
		}
		if completed > j.SegmentsCompleted {
			j.SegmentsCompleted = completed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("aggregate: update progress: %w", err)
	}
	a.notifier.RenderJobUpdated(updated)

	if updated.Status != model.RenderJobStatusProcessing || updated.SegmentsCompleted < updated.SegmentsTotal {
		return nil
	}
	return a.startCompositing(ctx, jobID)
}

func (a *RenderJobAggregator) countCompleted(ctx context.Context, job *model.RenderJob) (int, error) {
	n := 0
	for _, id := range job.SegmentIDs {
		seg, err := a.store.GetSegment(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("aggregate: load segment: %w", err)
		}
		if seg.HasAsset() {
			n++
		}
	}
	return n, nil
}

func (a *RenderJobAggregator) startCompositing(ctx context.Context, jobID string) error {
	updated, err := a.store.UpdateRenderJob(ctx, jobID, store.RenderJobs(model.RenderJobStatusProcessing), func(j *model.RenderJob) error {
		if j.SegmentsCompleted < j.SegmentsTotal {
			return store.ErrStatusConflict
		}
		j.Status = model.RenderJobStatusCompositing
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("aggregate: start compositing: %w", err)
	}

	a.log.Info().Str("job_id", jobID).Int("segments", updated.SegmentsTotal).Msg("all segments completed, compositing")
	a.notifier.RenderJobUpdated(updated)
	return a.scheduler.ScheduleComposite(ctx, jobID, 0)
}

// OnSegmentExhausted fails the segment's job with the segment's error. Other
// segments keep running but no longer affect the job.
func (a *RenderJobAggregator) OnSegmentExhausted(ctx context.Context, seg *model.Segment) error {
	code := model.ErrorCodeInternal
	if seg.ErrorCode != nil {
		code = *seg.ErrorCode
	}
	msg := "segment failed"
	if seg.ErrorMessage != nil {
		msg = *seg.ErrorMessage
	}

	updated, err := a.store.UpdateRenderJob(ctx, seg.RenderJobID, store.RenderJobs(model.RenderJobStatusPending, model.RenderJobStatusProcessing), func(j *model.RenderJob) error {
		j.MarkFailed(code, msg, a.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("aggregate: fail render job: %w", err)
	}

	a.log.Warn().
		Str("job_id", updated.ID).
		Str("segment_id", seg.ID).
		Str("error_code", string(code)).
		Msg("render job failed")
	a.notifier.RenderJobUpdated(updated)
	return nil
}
