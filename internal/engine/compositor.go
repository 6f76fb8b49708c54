package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

// Muxer concatenates stored clips, in the given order, into one stored video
// and returns its reference.
type Muxer interface {
	Concat(ctx context.Context, assetRefs []string, outputKey string) (string, error)
}

// RenderAssetKey is where a render job's final video is stored.
func RenderAssetKey(projectID, jobID string) string {
	return fmt.Sprintf("renders/%s/%s.mp4", projectID, jobID)
}

// Compositor turns a compositing job into its final video.
type Compositor struct {
	store    store.Store
	muxer    Muxer
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// Composite builds the final video for a job in compositing. Failures are
// recorded on the job and never retried automatically.
func (c *Compositor) Composite(ctx context.Context, jobID string) error {
	job, err := c.store.GetRenderJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("composite: load render job: %w", err)
	}
	if job.Status != model.RenderJobStatusCompositing {
		return nil
	}

	refs, err := c.orderedAssets(ctx, job)
	if err != nil {
		return c.fail(ctx, job, err)
	}

	c.log.Info().Str("job_id", job.ID).Int("segments", len(refs)).Msg("compositing render")
	final, err := c.muxer.Concat(ctx, refs, RenderAssetKey(job.ProjectID, job.ID))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fail(ctx, job, err)
	}

	updated, err := c.store.UpdateRenderJob(ctx, job.ID, store.RenderJobs(model.RenderJobStatusCompositing), func(j *model.RenderJob) error {
		now := c.now()
		j.Status = model.RenderJobStatusCompleted
		j.FinalAssetRef = &final
		j.ErrorCode = nil
		j.ErrorMessage = nil
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("composite: mark completed: %w", err)
	}

	c.log.Info().Str("job_id", job.ID).Str("asset_ref", final).Msg("render completed")
	c.notifier.RenderJobUpdated(updated)
	return nil
}

// orderedAssets resolves the snapshot to asset references sorted by
// order_index, whatever order the segments finished in.
func (c *Compositor) orderedAssets(ctx context.Context, job *model.RenderJob) ([]string, error) {
	segs := make([]*model.Segment, 0, len(job.SegmentIDs))
	for _, id := range job.SegmentIDs {
		seg, err := c.store.GetSegment(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("segment %s no longer exists", id)
		}
		if err != nil {
			return nil, err
		}
		if !seg.HasAsset() {
			return nil, fmt.Errorf("segment %s (order %d) has no asset", seg.ID, seg.OrderIndex)
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, errors.New("render job has no segments")
	}

	sort.SliceStable(segs, func(i, j int) bool { return segs[i].OrderIndex < segs[j].OrderIndex })
	refs := make([]string, len(segs))
	for i, seg := range segs {
		refs[i] = *seg.AssetRef
	}
	return refs, nil
}

func (c *Compositor) fail(ctx context.Context, job *model.RenderJob, cause error) error {
	updated, err := c.store.UpdateRenderJob(ctx, job.ID, store.RenderJobs(model.RenderJobStatusCompositing), func(j *model.RenderJob) error {
		j.MarkFailed(model.ErrorCodeCompositing, fmt.Sprintf("compositing failed: %v", cause), c.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("composite: mark failed: %w", err)
	}

	c.log.Error().Str("job_id", job.ID).Str("error_code", string(model.ErrorCodeCompositing)).Err(cause).Msg("render compositing failed")
	c.notifier.RenderJobUpdated(updated)
	return nil
}
