package service

import (
	"context"

	"github.com/videofoundry/api/internal/engine"
	"github.com/videofoundry/api/internal/model"
)

// RenderService exposes the render engine to handlers as read projections.
type RenderService struct {
	engine   *engine.Engine
	assetURL func(string) string
}

func NewRenderService(e *engine.Engine, assetURL func(string) string) *RenderService {
	return &RenderService{
		engine:   e,
		assetURL: assetURL,
	}
}

// StartRender snapshots the project's segments into a new render job.
func (s *RenderService) StartRender(ctx context.Context, projectID string) (*model.RenderJobResponse, error) {
	job, err := s.engine.RequestRender(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return model.NewRenderJobResponse(job, s.assetURL), nil
}

func (s *RenderService) GetRenderJob(ctx context.Context, id string) (*model.RenderJobResponse, error) {
	job, err := s.engine.GetRenderJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.NewRenderJobResponse(job, s.assetURL), nil
}

// RenderJob returns the raw job, for the live progress stream.
func (s *RenderService) RenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	return s.engine.GetRenderJob(ctx, id)
}

// ListRenderJobs returns a project's render jobs, newest first.
func (s *RenderService) ListRenderJobs(ctx context.Context, projectID string) ([]*model.RenderJobResponse, error) {
	jobs, err := s.engine.ListRenderJobs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.RenderJobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = model.NewRenderJobResponse(j, s.assetURL)
	}
	return out, nil
}

func (s *RenderService) CancelRender(ctx context.Context, id string) (*model.RenderCancelResponse, error) {
	job, err := s.engine.CancelRenderJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.RenderCancelResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	}, nil
}

// RetrySegment manually retries a failed segment.
func (s *RenderService) RetrySegment(ctx context.Context, segmentID string) (*model.SegmentResponse, error) {
	seg, err := s.engine.RetrySegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	return model.NewSegmentResponse(seg, s.assetURL), nil
}
