package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

// StatusPoller observes in-flight segments and resolves them.
type StatusPoller struct {
	cfg        Config
	store      store.Store
	generator  client.Generator
	storage    client.StorageClient
	limiter    SlotLimiter
	scheduler  Scheduler
	notifier   Notifier
	retry      *RetryCoordinator
	aggregator *RenderJobAggregator
	locks      *keyedMutex
	log        zerolog.Logger
	now        func() time.Time
}

// SegmentAssetKey is where a segment's clip is stored.
func SegmentAssetKey(projectID, segmentID string) string {
	return fmt.Sprintf("segments/%s/%s.mp4", projectID, segmentID)
}

// Poll checks a generating segment once. Polling anything else is a no-op,
// which makes concurrent or replayed polls harmless.
func (p *StatusPoller) Poll(ctx context.Context, segmentID string) error {
	unlock := p.locks.Lock(segmentID)
	defer unlock()

	seg, err := p.store.GetSegment(ctx, segmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll: load segment: %w", err)
	}
	if seg.Status != model.SegmentStatusGenerating {
		return nil
	}

	if seg.GeneratingSince != nil && p.now().Sub(*seg.GeneratingSince) >= p.cfg.GenerationTimeout {
		if err := p.generator.Cancel(ctx, seg.ExternalJobID); err != nil {
			p.log.Warn().Err(err).Str("segment_id", seg.ID).Msg("failed to cancel timed out generation")
		}
		cause := fmt.Errorf("%w after %s", ErrGenerationTimeout, p.cfg.GenerationTimeout)
		return p.resolveFailed(ctx, seg, cause)
	}

	status, err := p.generator.Poll(ctx, seg.ExternalJobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.pollFailed(ctx, seg, err)
	}

	switch status.State {
	case client.GenerationSucceeded:
		if status.OutputURL == "" {
			return p.resolveFailed(ctx, seg, client.ErrNoOutput)
		}
		ref, err := p.ingest(ctx, seg, status.OutputURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.pollFailed(ctx, seg, err)
		}
		return p.resolveCompleted(ctx, seg, ref)

	case client.GenerationFailed:
		var cause error = status.Failure
		if status.Failure == nil {
			cause = &client.RemoteFailure{Message: "backend reported failure without details"}
		}
		return p.resolveFailed(ctx, seg, cause)

	default:
		if seg.PollFailures > 0 {
			if _, err := p.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusGenerating), func(s *model.Segment) error {
				s.PollFailures = 0
				return nil
			}); err != nil && !errors.Is(err, store.ErrStatusConflict) {
				return fmt.Errorf("poll: reset failures: %w", err)
			}
		}
		return p.scheduler.SchedulePoll(ctx, seg.ID, p.cfg.PollInterval)
	}
}

// ingest copies the backend output into asset storage.
func (p *StatusPoller) ingest(ctx context.Context, seg *model.Segment, outputURL string) (string, error) {
	rc, err := p.generator.Fetch(ctx, seg.ExternalJobID, outputURL)
	if err != nil {
		return "", fmt.Errorf("fetch output: %w", err)
	}
	defer rc.Close()

	// Buffer to disk so the upload body is seekable.
	tmp, err := os.CreateTemp("", "segment-*.mp4")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(tmp, rc)
	if err != nil {
		return "", fmt.Errorf("download output: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("download output: %w", client.ErrNoOutput)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	ref, err := p.storage.Upload(ctx, SegmentAssetKey(seg.ProjectID, seg.ID), tmp, "video/mp4")
	if err != nil {
		return "", fmt.Errorf("store output: %w", err)
	}
	return ref, nil
}

// pollFailed counts a failed poll and fails the segment once the streak
// reaches MaxPollFailures.
func (p *StatusPoller) pollFailed(ctx context.Context, seg *model.Segment, cause error) error {
	code, _ := Classify(cause)
	updated, err := p.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusGenerating), func(s *model.Segment) error {
		s.PollFailures++
		if s.PollFailures >= p.cfg.MaxPollFailures {
			s.MarkFailed(code, cause.Error())
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("poll: record failure: %w", err)
	}

	if updated.Status != model.SegmentStatusFailed {
		p.log.Warn().
			Str("segment_id", seg.ID).
			Int("poll_failures", updated.PollFailures).
			Err(cause).
			Msg("poll failed")
		return p.scheduler.SchedulePoll(ctx, seg.ID, p.cfg.PollInterval)
	}

	p.log.Warn().
		Str("segment_id", seg.ID).
		Str("job_id", seg.RenderJobID).
		Int("attempt", updated.Attempts).
		Str("error_code", string(code)).
		Err(cause).
		Msg("segment failed after repeated poll errors")
	p.release(ctx, seg)
	p.notifier.SegmentUpdated(updated)
	return p.retry.OnFailed(ctx, updated)
}

func (p *StatusPoller) resolveFailed(ctx context.Context, seg *model.Segment, cause error) error {
	code, _ := Classify(cause)
	updated, err := p.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusGenerating), func(s *model.Segment) error {
		s.MarkFailed(code, cause.Error())
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("poll: mark failed: %w", err)
	}

	p.log.Warn().
		Str("segment_id", seg.ID).
		Str("job_id", seg.RenderJobID).
		Int("attempt", updated.Attempts).
		Str("error_code", string(code)).
		Err(cause).
		Msg("segment generation failed")
	p.release(ctx, seg)
	p.notifier.SegmentUpdated(updated)
	return p.retry.OnFailed(ctx, updated)
}

func (p *StatusPoller) resolveCompleted(ctx context.Context, seg *model.Segment, ref string) error {
	updated, err := p.store.UpdateSegment(ctx, seg.ID, store.Segments(model.SegmentStatusGenerating), func(s *model.Segment) error {
		s.MarkCompleted(ref)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("poll: mark completed: %w", err)
	}

	p.log.Info().
		Str("segment_id", seg.ID).
		Str("job_id", seg.RenderJobID).
		Int("attempt", updated.Attempts).
		Str("asset_ref", ref).
		Msg("segment completed")
	p.release(ctx, seg)
	p.notifier.SegmentUpdated(updated)
	return p.aggregator.OnSegmentCompleted(ctx, updated)
}

func (p *StatusPoller) release(ctx context.Context, seg *model.Segment) {
	if err := p.limiter.Release(context.WithoutCancel(ctx), seg.RenderJobID, seg.ID); err != nil {
		p.log.Error().Err(err).Str("segment_id", seg.ID).Msg("failed to release dispatch slot")
	}
}
