package model

import (
	"encoding/json"
	"time"
)

// CreateSegmentRequest represents the request to add a segment to a project
type CreateSegmentRequest struct {
	OrderIndex  *int            `json:"orderIndex" validate:"required,min=0"`
	Prompt      string          `json:"prompt" validate:"required,min=1,max=4000"`
	ModelParams json.RawMessage `json:"modelParams"`
}

// UpdateSegmentRequest represents a partial segment edit
type UpdateSegmentRequest struct {
	OrderIndex  *int            `json:"orderIndex" validate:"omitempty,min=0"`
	Prompt      *string         `json:"prompt" validate:"omitempty,min=1,max=4000"`
	ModelParams json.RawMessage `json:"modelParams"`
}

// SegmentResponse is the read projection of a segment
type SegmentResponse struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	OrderIndex   int             `json:"orderIndex"`
	Prompt       string          `json:"prompt"`
	ModelParams  json.RawMessage `json:"modelParams,omitempty"`
	Status       SegmentStatus   `json:"status"`
	AssetURL     *string         `json:"assetUrl,omitempty"`
	ErrorCode    *ErrorCode      `json:"errorCode,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Guidance     *ErrorGuidance  `json:"guidance,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// RenderJobResponse is the read projection of a render job
type RenderJobResponse struct {
	ID                 string          `json:"id"`
	ProjectID          string          `json:"projectId"`
	Status             RenderJobStatus `json:"status"`
	SegmentIDs         []string        `json:"segmentIds"`
	SegmentsTotal      int             `json:"segmentsTotal"`
	SegmentsCompleted  int             `json:"segmentsCompleted"`
	ProgressPercentage float64         `json:"progressPercentage"`
	FinalURL           *string         `json:"finalUrl,omitempty"`
	ErrorCode          *ErrorCode      `json:"errorCode,omitempty"`
	ErrorMessage       *string         `json:"errorMessage,omitempty"`
	Guidance           *ErrorGuidance  `json:"guidance,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

// RenderCancelResponse represents the response when cancelling a render
type RenderCancelResponse struct {
	Success bool            `json:"success"`
	JobID   string          `json:"jobId"`
	Status  RenderJobStatus `json:"status"`
}

// NewSegmentResponse projects a segment, resolving its asset to a URL.
func NewSegmentResponse(s *Segment, assetURL func(string) string) *SegmentResponse {
	resp := &SegmentResponse{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		OrderIndex:   s.OrderIndex,
		Prompt:       s.Prompt,
		ModelParams:  s.ModelParams,
		Status:       s.Status,
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
		Attempts:     s.Attempts,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.AssetRef != nil {
		url := resolveURL(*s.AssetRef, assetURL)
		resp.AssetURL = &url
	}
	if s.ErrorCode != nil {
		g := s.ErrorCode.Guidance()
		resp.Guidance = &g
	}
	return resp
}

// NewRenderJobResponse projects a render job.
func NewRenderJobResponse(j *RenderJob, assetURL func(string) string) *RenderJobResponse {
	resp := &RenderJobResponse{
		ID:                 j.ID,
		ProjectID:          j.ProjectID,
		Status:             j.Status,
		SegmentIDs:         j.SegmentIDs,
		SegmentsTotal:      j.SegmentsTotal,
		SegmentsCompleted:  j.SegmentsCompleted,
		ProgressPercentage: j.ProgressPercentage(),
		ErrorCode:          j.ErrorCode,
		ErrorMessage:       j.ErrorMessage,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		CompletedAt:        j.CompletedAt,
	}
	if j.FinalAssetRef != nil {
		url := resolveURL(*j.FinalAssetRef, assetURL)
		resp.FinalURL = &url
	}
	if j.ErrorCode != nil {
		g := j.ErrorCode.Guidance()
		resp.Guidance = &g
	}
	return resp
}

func resolveURL(ref string, assetURL func(string) string) string {
	if assetURL == nil {
		return ref
	}
	return assetURL(ref)
}
