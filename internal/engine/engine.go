// Package engine orchestrates segment generation and render compositing.
//
// Every step (dispatch, poll, composite) is a short, idempotent function of
// persisted state. Steps are triggered through a Scheduler, so a step that
// runs twice or runs after its segment moved on is a harmless no-op. Writes
// go through the store's status compare-and-set, which keeps exactly one
// writer per transition even across processes.
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

// Deps are the collaborators the engine drives.
type Deps struct {
	Store     store.Store
	Generator client.Generator
	Storage   client.StorageClient
	Muxer     Muxer
	Limiter   SlotLimiter
	Scheduler Scheduler
	// Notifier is optional.
	Notifier Notifier
	Logger   zerolog.Logger
	// Now is optional and defaults to time.Now in UTC.
	Now func() time.Time
}

// Engine is the render orchestration entry point.
type Engine struct {
	cfg       Config
	store     store.Store
	generator client.Generator
	limiter   SlotLimiter
	scheduler Scheduler
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time

	segmentLocks *keyedMutex
	projectLocks *keyedMutex

	Dispatcher *SegmentDispatcher
	Poller     *StatusPoller
	Retry      *RetryCoordinator
	Aggregator *RenderJobAggregator
	Compositor *Compositor
}

// New wires the engine components.
func New(cfg Config, deps Deps) *Engine {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := deps.Logger.With().Str("component", "engine").Logger()

	e := &Engine{
		cfg:          cfg,
		store:        deps.Store,
		generator:    deps.Generator,
		limiter:      deps.Limiter,
		scheduler:    deps.Scheduler,
		notifier:     notifier,
		log:          log,
		now:          now,
		segmentLocks: newKeyedMutex(),
		projectLocks: newKeyedMutex(),
	}

	e.Aggregator = &RenderJobAggregator{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		notifier:  notifier,
		log:       log,
		now:       now,
	}
	e.Retry = &RetryCoordinator{
		cfg:        cfg,
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		notifier:   notifier,
		aggregator: e.Aggregator,
		log:        log,
	}
	e.Dispatcher = &SegmentDispatcher{
		cfg:       cfg,
		store:     deps.Store,
		generator: deps.Generator,
		limiter:   deps.Limiter,
		scheduler: deps.Scheduler,
		notifier:  notifier,
		retry:     e.Retry,
		locks:     e.segmentLocks,
		log:       log,
		now:       now,
	}
	e.Poller = &StatusPoller{
		cfg:        cfg,
		store:      deps.Store,
		generator:  deps.Generator,
		storage:    deps.Storage,
		limiter:    deps.Limiter,
		scheduler:  deps.Scheduler,
		notifier:   notifier,
		retry:      e.Retry,
		aggregator: e.Aggregator,
		locks:      e.segmentLocks,
		log:        log,
		now:        now,
	}
	e.Compositor = &Compositor{
		store:    deps.Store,
		muxer:    deps.Muxer,
		notifier: notifier,
		log:      log,
		now:      now,
	}
	return e
}

// Config returns the policy the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Dispatch runs one dispatch step for a segment.
func (e *Engine) Dispatch(ctx context.Context, segmentID string) error {
	return e.Dispatcher.Dispatch(ctx, segmentID)
}

// Poll runs one poll step for a segment.
func (e *Engine) Poll(ctx context.Context, segmentID string) error {
	return e.Poller.Poll(ctx, segmentID)
}

// Composite runs the compositing step for a render job.
func (e *Engine) Composite(ctx context.Context, renderJobID string) error {
	return e.Compositor.Composite(ctx, renderJobID)
}

// RequestRender snapshots the project's segments into a new render job and
// starts generating whatever is not completed yet. Completed segments are
// reused; failed ones get a fresh start.
func (e *Engine) RequestRender(ctx context.Context, projectID string) (*model.RenderJob, error) {
	unlock := e.projectLocks.Lock(projectID)
	defer unlock()

	jobs, err := e.store.ListRenderJobs(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list render jobs: %w", err)
	}
	for _, j := range jobs {
		if j.IsActive() {
			return nil, fmt.Errorf("%w: job %s is %s", ErrRenderInProgress, j.ID, j.Status)
		}
	}

	segs, err := e.store.ListSegments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segs) == 0 {
		return nil, ErrNoSegments
	}

	ids := make([]string, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	job := &model.RenderJob{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		SegmentIDs:    ids,
		SegmentsTotal: len(ids),
		Status:        model.RenderJobStatusPending,
		CreatedAt:     e.now(),
	}
	if err := e.store.CreateRenderJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create render job: %w", err)
	}
	e.log.Info().Str("job_id", job.ID).Str("project_id", projectID).Int("segments", job.SegmentsTotal).Msg("render requested")

	if err := e.start(ctx, job); err != nil {
		return nil, err
	}
	return e.store.GetRenderJob(ctx, job.ID)
}

// start claims every snapshot segment for the job, schedules the ones that
// need generating and moves the job to processing. Safe to run again for a
// job that is still pending.
func (e *Engine) start(ctx context.Context, job *model.RenderJob) error {
	for _, id := range job.SegmentIDs {
		if err := e.claimSegment(ctx, job.ID, id); err != nil {
			return err
		}
	}

	updated, err := e.store.UpdateRenderJob(ctx, job.ID, store.RenderJobs(model.RenderJobStatusPending), func(j *model.RenderJob) error {
		j.Status = model.RenderJobStatusProcessing
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("start render job: %w", err)
	}
	if err == nil {
		e.notifier.RenderJobUpdated(updated)
	}
	return e.Aggregator.Refresh(ctx, job.ID)
}

func (e *Engine) claimSegment(ctx context.Context, jobID, segmentID string) error {
	unlock := e.segmentLocks.Lock(segmentID)
	defer unlock()

	seg, err := e.store.GetSegment(ctx, segmentID)
	if err != nil {
		return fmt.Errorf("claim segment %s: %w", segmentID, err)
	}

	switch seg.Status {
	case model.SegmentStatusCompleted:
		return nil
	case model.SegmentStatusGenerating:
		// Already in flight for an earlier job; its result now counts here.
		_, err = e.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusGenerating), func(s *model.Segment) error {
			s.RenderJobID = jobID
			return nil
		})
	default:
		var updated *model.Segment
		updated, err = e.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusPending, model.SegmentStatusFailed), func(s *model.Segment) error {
			if s.Status == model.SegmentStatusFailed {
				s.ResetPending()
			}
			s.RenderJobID = jobID
			return nil
		})
		if err == nil {
			e.notifier.SegmentUpdated(updated)
			err = e.scheduler.ScheduleDispatch(ctx, seg.ID, 0)
		}
	}
	if err != nil {
		return fmt.Errorf("claim segment %s: %w", segmentID, err)
	}
	return nil
}

// RetrySegment resets a failed segment to pending, bypassing the automatic
// retry budget once. The attempt counter is kept. The segment is dispatched
// right away when its render job is still running; otherwise the next render
// picks it up.
func (e *Engine) RetrySegment(ctx context.Context, segmentID string) (*model.Segment, error) {
	unlock := e.segmentLocks.Lock(segmentID)
	defer unlock()

	updated, err := e.store.UpdateSegment(ctx, segmentID, store.Segments(model.SegmentStatusFailed), func(s *model.Segment) error {
		s.ResetPending()
		return nil
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, ErrSegmentNotFailed
	}
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("segment_id", segmentID).Int("attempt", updated.Attempts).Msg("manual segment retry")
	e.notifier.SegmentUpdated(updated)

	if updated.RenderJobID == "" {
		return updated, nil
	}
	job, err := e.store.GetRenderJob(ctx, updated.RenderJobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if job != nil && job.AcceptsSegmentEvents() {
		if err := e.scheduler.ScheduleDispatch(ctx, segmentID, 0); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// GetRenderJob returns a render job.
func (e *Engine) GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	return e.store.GetRenderJob(ctx, id)
}

// ListRenderJobs returns a project's render jobs, newest first.
func (e *Engine) ListRenderJobs(ctx context.Context, projectID string) ([]*model.RenderJob, error) {
	return e.store.ListRenderJobs(ctx, projectID)
}

// CancelRenderJob fails an active job with RENDER_CANCELLED. Pending segments
// will not be dispatched; in-flight generations are cancelled best-effort and
// completed segments are left alone.
func (e *Engine) CancelRenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	updated, err := e.store.UpdateRenderJob(ctx, id, store.RenderJobs(
		model.RenderJobStatusPending,
		model.RenderJobStatusProcessing,
		model.RenderJobStatusCompositing,
	), func(j *model.RenderJob) error {
		j.MarkFailed(model.ErrorCodeCancelled, "render cancelled", e.now())
		return nil
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, ErrJobNotActive
	}
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("job_id", id).Msg("render cancelled")
	e.notifier.RenderJobUpdated(updated)

	for _, segID := range updated.SegmentIDs {
		seg, err := e.store.GetSegment(ctx, segID)
		if err != nil {
			continue
		}
		if seg.Status != model.SegmentStatusGenerating || seg.RenderJobID != id || seg.ExternalJobID == "" {
			continue
		}
		if err := e.generator.Cancel(ctx, seg.ExternalJobID); err != nil {
			e.log.Warn().Err(err).Str("segment_id", seg.ID).Msg("backend cancel failed")
		}
	}
	return updated, nil
}

// Resume reschedules work for every active job, for use at startup. Steps
// already queued elsewhere are idempotent, so over-scheduling is harmless.
func (e *Engine) Resume(ctx context.Context) error {
	jobs, err := e.store.ListActiveRenderJobs(ctx)
	if err != nil {
		return fmt.Errorf("resume: list active jobs: %w", err)
	}

	for _, job := range jobs {
		log := e.log.With().Str("job_id", job.ID).Str("job_status", string(job.Status)).Logger()
		var err error
		switch job.Status {
		case model.RenderJobStatusPending:
			err = e.start(ctx, job)
		case model.RenderJobStatusProcessing:
			err = e.resumeSegments(ctx, job)
		case model.RenderJobStatusCompositing:
			err = e.scheduler.ScheduleComposite(ctx, job.ID, 0)
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to resume render job")
			continue
		}
		log.Info().Msg("render job resumed")
	}
	return nil
}

func (e *Engine) resumeSegments(ctx context.Context, job *model.RenderJob) error {
	for _, id := range job.SegmentIDs {
		seg, err := e.store.GetSegment(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if seg.RenderJobID != job.ID {
			continue
		}

		switch seg.Status {
		case model.SegmentStatusPending:
			err = e.scheduler.ScheduleDispatch(ctx, seg.ID, 0)
		case model.SegmentStatusGenerating:
			// Re-take the slot a previous process held. The backend is
			// already working on it, so polling goes on even without one.
			ok, aerr := e.limiter.TryAcquire(ctx, job.ID, seg.ID)
			if aerr != nil {
				return aerr
			}
			if !ok {
				e.log.Warn().
					Str("job_id", job.ID).
					Str("segment_id", seg.ID).
					Msg("resumed generating segment without a dispatch slot, limits are exceeded until it resolves")
			}
			err = e.scheduler.SchedulePoll(ctx, seg.ID, 0)
		case model.SegmentStatusFailed:
			unlock := e.segmentLocks.Lock(seg.ID)
			err = e.Retry.OnFailed(ctx, seg)
			unlock()
		}
		if err != nil {
			return err
		}
	}
	return e.Aggregator.Refresh(ctx, job.ID)
}

// Sweep repairs step chains lost to exhausted task retries. Generating
// segments past GenerationTimeout are polled again so the timeout fires, and
// pending segments left behind by an abandoned dispatch claim are dispatched
// again. Healthy chains are left alone, so repeated sweeps never multiply
// them.
func (e *Engine) Sweep(ctx context.Context) error {
	jobs, err := e.store.ListActiveRenderJobs(ctx)
	if err != nil {
		return fmt.Errorf("sweep: list active jobs: %w", err)
	}

	now := e.now()
	repaired := 0
	for _, job := range jobs {
		if job.Status != model.RenderJobStatusProcessing {
			continue
		}
		for _, id := range job.SegmentIDs {
			seg, err := e.store.GetSegment(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("sweep: load segment: %w", err)
			}
			if seg.RenderJobID != job.ID {
				continue
			}

			switch {
			case seg.Status == model.SegmentStatusGenerating &&
				seg.GeneratingSince != nil &&
				now.Sub(*seg.GeneratingSince) >= e.cfg.GenerationTimeout:
				err = e.scheduler.SchedulePoll(ctx, seg.ID, 0)
			case seg.Status == model.SegmentStatusPending &&
				seg.DispatchToken != "" &&
				!seg.DispatchClaimLive(now, e.cfg.DispatchClaimTTL):
				err = e.scheduler.ScheduleDispatch(ctx, seg.ID, 0)
			default:
				continue
			}
			if err != nil {
				return fmt.Errorf("sweep: reschedule segment %s: %w", seg.ID, err)
			}
			repaired++
			e.log.Warn().Str("job_id", job.ID).Str("segment_id", seg.ID).Str("status", string(seg.Status)).Msg("sweep rescheduled stalled segment")
		}
	}
	if repaired > 0 {
		e.log.Info().Int("segments", repaired).Msg("sweep finished")
	}
	return nil
}
