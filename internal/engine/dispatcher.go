package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

// SegmentDispatcher turns a pending segment into an in-flight generation.
type SegmentDispatcher struct {
	cfg       Config
	store     store.Store
	generator client.Generator
	limiter   SlotLimiter
	scheduler Scheduler
	notifier  Notifier
	retry     *RetryCoordinator
	locks     *keyedMutex
	log       zerolog.Logger
	now       func() time.Time
}

// errDispatchClaimLost aborts a segment update made by a dispatcher whose
// claim was cleared or taken over.
var errDispatchClaimLost = errors.New("dispatch claim lost")

// Dispatch submits the segment if it is pending and its render job still
// accepts work. A segment that cannot get a slot stays pending and is tried
// again after SlotWait.
//
// The segment is claimed in the store before anything else happens, so only
// one dispatcher across all processes talks to the backend and takes a slot
// for it. A claim older than DispatchClaimTTL is treated as abandoned.
func (d *SegmentDispatcher) Dispatch(ctx context.Context, segmentID string) error {
	unlock := d.locks.Lock(segmentID)
	defer unlock()

	seg, err := d.store.GetSegment(ctx, segmentID)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Warn().Str("segment_id", segmentID).Msg("dispatch: segment no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: load segment: %w", err)
	}
	if seg.Status != model.SegmentStatusPending {
		return nil
	}

	log := d.log.With().Str("segment_id", seg.ID).Str("job_id", seg.RenderJobID).Logger()

	job, err := d.store.GetRenderJob(ctx, seg.RenderJobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("dispatch: segment has no render job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: load render job: %w", err)
	}
	if !job.AcceptsSegmentEvents() {
		log.Info().Str("job_status", string(job.Status)).Msg("dispatch skipped, render job not active")
		return nil
	}

	token, claimed, err := d.claim(ctx, seg.ID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug().Msg("dispatch skipped, segment claimed by another dispatcher")
		return nil
	}

	ok, err := d.limiter.TryAcquire(ctx, job.ID, seg.ID)
	if err != nil {
		d.unclaim(ctx, seg.ID, token)
		return err
	}
	if !ok {
		d.unclaim(ctx, seg.ID, token)
		log.Debug().Dur("wait", d.cfg.SlotWait).Msg("no dispatch slot free")
		return d.scheduler.ScheduleDispatch(ctx, seg.ID, d.cfg.SlotWait)
	}

	handle, submitErr := d.submit(ctx, seg)
	if submitErr != nil {
		if ctx.Err() != nil {
			d.unclaim(ctx, seg.ID, token)
			d.release(ctx, job.ID, seg.ID)
			return ctx.Err()
		}
		return d.submitFailed(ctx, job.ID, seg, token, submitErr)
	}

	now := d.now()
	updated, err := d.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusPending), func(s *model.Segment) error {
		if s.DispatchToken != token {
			return errDispatchClaimLost
		}
		s.Status = model.SegmentStatusGenerating
		s.ExternalJobID = handle
		s.Attempts++
		s.GeneratingSince = &now
		s.PollFailures = 0
		s.ClearDispatchClaim()
		return nil
	})
	if err != nil {
		// The segment moved on while we were submitting. The backend job we
		// just created has no owner.
		if cerr := d.generator.Cancel(ctx, handle); cerr != nil {
			log.Warn().Err(cerr).Str("handle", handle).Msg("failed to cancel orphaned generation")
		}
		d.releaseUnlessTaken(ctx, job.ID, seg.ID)
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) || errors.Is(err, errDispatchClaimLost) {
			return nil
		}
		return fmt.Errorf("dispatch: mark generating: %w", err)
	}

	log.Info().Int("attempt", updated.Attempts).Str("handle", handle).Msg("segment dispatched")
	d.notifier.SegmentUpdated(updated)
	return d.scheduler.SchedulePoll(ctx, updated.ID, d.cfg.PollInterval)
}

// claim marks the pending segment as being dispatched by a fresh token. It
// reports false when another dispatcher holds a live claim or the segment is
// no longer pending.
func (d *SegmentDispatcher) claim(ctx context.Context, segmentID string) (string, bool, error) {
	token := uuid.NewString()
	now := d.now()
	_, err := d.store.UpdateSegment(ctx, segmentID, store.Segments(model.SegmentStatusPending), func(s *model.Segment) error {
		if s.DispatchClaimLive(now, d.cfg.DispatchClaimTTL) {
			return errDispatchClaimLost
		}
		s.ClaimDispatch(token, now)
		return nil
	})
	switch {
	case err == nil:
		return token, true, nil
	case errors.Is(err, errDispatchClaimLost), errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("dispatch: claim segment: %w", err)
	}
}

// unclaim drops our claim if we still hold it.
func (d *SegmentDispatcher) unclaim(ctx context.Context, segmentID, token string) {
	_, err := d.store.UpdateSegment(context.WithoutCancel(ctx), segmentID, store.Segments(model.SegmentStatusPending), func(s *model.Segment) error {
		if s.DispatchToken != token {
			return errDispatchClaimLost
		}
		s.ClearDispatchClaim()
		return nil
	})
	if err != nil && !errors.Is(err, errDispatchClaimLost) && !errors.Is(err, store.ErrStatusConflict) && !errors.Is(err, store.ErrNotFound) {
		d.log.Error().Err(err).Str("segment_id", segmentID).Msg("failed to drop dispatch claim")
	}
}

func (d *SegmentDispatcher) submit(ctx context.Context, seg *model.Segment) (string, error) {
	params, err := seg.Params()
	if err != nil {
		return "", &client.RemoteFailure{
			Kind:    client.FailureKindInvalidParameters,
			Message: fmt.Sprintf("model params are not a JSON object: %v", err),
		}
	}
	return d.generator.Submit(ctx, &client.GenerateRequest{
		SegmentID: seg.ID,
		ProjectID: seg.ProjectID,
		Prompt:    seg.Prompt,
		Params:    params,
	})
}

// submitFailed records a synchronous rejection. The segment goes straight
// from pending to failed; it never saw a backend handle.
func (d *SegmentDispatcher) submitFailed(ctx context.Context, jobID string, seg *model.Segment, token string, cause error) error {
	code, _ := Classify(cause)
	updated, err := d.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusPending), func(s *model.Segment) error {
		if s.DispatchToken != token {
			return errDispatchClaimLost
		}
		s.Attempts++
		s.MarkFailed(code, cause.Error())
		return nil
	})
	if err != nil {
		d.releaseUnlessTaken(ctx, jobID, seg.ID)
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) || errors.Is(err, errDispatchClaimLost) {
			return nil
		}
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	d.release(ctx, jobID, seg.ID)

	d.log.Warn().
		Str("segment_id", seg.ID).
		Str("job_id", jobID).
		Int("attempt", updated.Attempts).
		Str("error_code", string(code)).
		Err(cause).
		Msg("segment submission rejected")
	d.notifier.SegmentUpdated(updated)
	return d.retry.OnFailed(ctx, updated)
}

// releaseUnlessTaken frees the slot after a lost claim, unless the segment is
// now generating or claimed by another dispatcher. Slots are keyed by segment,
// so the new owner would otherwise lose the slot it relies on.
func (d *SegmentDispatcher) releaseUnlessTaken(ctx context.Context, jobID, segmentID string) {
	seg, err := d.store.GetSegment(context.WithoutCancel(ctx), segmentID)
	if err == nil {
		if seg.Status == model.SegmentStatusGenerating || seg.DispatchClaimLive(d.now(), d.cfg.DispatchClaimTTL) {
			return
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		d.log.Error().Err(err).Str("segment_id", segmentID).Msg("failed to check segment before releasing its slot")
		return
	}
	d.release(ctx, jobID, segmentID)
}

func (d *SegmentDispatcher) release(ctx context.Context, jobID, segmentID string) {
	if err := d.limiter.Release(context.WithoutCancel(ctx), jobID, segmentID); err != nil {
		d.log.Error().Err(err).Str("segment_id", segmentID).Msg("failed to release dispatch slot")
	}
}
