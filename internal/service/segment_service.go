package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

var (
	// ErrSegmentLocked is returned when editing a segment that an active
	// render job is working on.
	ErrSegmentLocked = errors.New("segment is part of an active render")
	// ErrOrderIndexTaken is returned when another segment of the project
	// already sits at the requested position.
	ErrOrderIndexTaken = errors.New("order index already used in project")
	// ErrInvalidModelParams is returned when model params are not a JSON object.
	ErrInvalidModelParams = errors.New("model params must be a JSON object")
)

// SegmentService handles project editing: segment CRUD.
type SegmentService struct {
	store    store.Store
	assetURL func(string) string
	log      zerolog.Logger
}

func NewSegmentService(st store.Store, assetURL func(string) string, log zerolog.Logger) *SegmentService {
	return &SegmentService{
		store:    st,
		assetURL: assetURL,
		log:      log.With().Str("component", "segments").Logger(),
	}
}

// Create adds a pending segment to a project.
func (s *SegmentService) Create(ctx context.Context, projectID string, req *model.CreateSegmentRequest) (*model.SegmentResponse, error) {
	params, err := normalizeParams(req.ModelParams)
	if err != nil {
		return nil, err
	}

	seg := &model.Segment{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		OrderIndex:  *req.OrderIndex,
		Prompt:      req.Prompt,
		ModelParams: params,
		Status:      model.SegmentStatusPending,
	}
	if err := s.store.CreateSegment(ctx, seg); err != nil {
		if errors.Is(err, store.ErrDuplicateOrderIndex) {
			return nil, ErrOrderIndexTaken
		}
		return nil, fmt.Errorf("failed to create segment: %w", err)
	}

	s.log.Info().Str("segment_id", seg.ID).Str("project_id", projectID).Int("order_index", seg.OrderIndex).Msg("segment created")
	created, err := s.store.GetSegment(ctx, seg.ID)
	if err != nil {
		return nil, err
	}
	return model.NewSegmentResponse(created, s.assetURL), nil
}

// List returns a project's segments in order_index order.
func (s *SegmentService) List(ctx context.Context, projectID string) ([]*model.SegmentResponse, error) {
	segs, err := s.store.ListSegments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.SegmentResponse, len(segs))
	for i, seg := range segs {
		out[i] = model.NewSegmentResponse(seg, s.assetURL)
	}
	return out, nil
}

func (s *SegmentService) Get(ctx context.Context, id string) (*model.SegmentResponse, error) {
	seg, err := s.store.GetSegment(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.NewSegmentResponse(seg, s.assetURL), nil
}

// Update edits a segment. A new prompt or new params invalidate the clip, so
// the segment goes back to pending with a fresh attempt budget. Moving it to
// another position keeps its clip.
func (s *SegmentService) Update(ctx context.Context, id string, req *model.UpdateSegmentRequest) (*model.SegmentResponse, error) {
	var params json.RawMessage
	if req.ModelParams != nil {
		var err error
		if params, err = normalizeParams(req.ModelParams); err != nil {
			return nil, err
		}
	}

	if err := s.ensureEditable(ctx, id); err != nil {
		return nil, err
	}

	editable := store.Segments(model.SegmentStatusPending, model.SegmentStatusCompleted, model.SegmentStatusFailed)
	updated, err := s.store.UpdateSegment(ctx, id, editable, func(seg *model.Segment) error {
		regenerate := false
		if req.Prompt != nil && *req.Prompt != seg.Prompt {
			seg.Prompt = *req.Prompt
			regenerate = true
		}
		if req.ModelParams != nil && !bytes.Equal(params, seg.ModelParams) {
			seg.ModelParams = params
			regenerate = true
		}
		if req.OrderIndex != nil {
			seg.OrderIndex = *req.OrderIndex
		}
		if regenerate {
			seg.ResetPending()
			seg.Attempts = 0
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		return nil, ErrSegmentLocked
	case errors.Is(err, store.ErrDuplicateOrderIndex):
		return nil, ErrOrderIndexTaken
	case err != nil:
		return nil, err
	}

	s.log.Info().Str("segment_id", id).Str("status", string(updated.Status)).Msg("segment updated")
	return model.NewSegmentResponse(updated, s.assetURL), nil
}

// Delete removes a segment that no active render depends on.
func (s *SegmentService) Delete(ctx context.Context, id string) error {
	if err := s.ensureEditable(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteSegment(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("segment_id", id).Msg("segment deleted")
	return nil
}

// ensureEditable rejects segments that are generating or belong to the
// snapshot of an active render job.
func (s *SegmentService) ensureEditable(ctx context.Context, id string) error {
	seg, err := s.store.GetSegment(ctx, id)
	if err != nil {
		return err
	}
	if seg.Status == model.SegmentStatusGenerating {
		return ErrSegmentLocked
	}
	if seg.RenderJobID == "" {
		return nil
	}

	job, err := s.store.GetRenderJob(ctx, seg.RenderJobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.IsActive() && job.Contains(seg.ID) {
		return ErrSegmentLocked
	}
	return nil
}

// normalizeParams accepts an absent/null payload or a JSON object.
func normalizeParams(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, ErrInvalidModelParams
	}
	return json.RawMessage(trimmed), nil
}
