package model

import (
	"encoding/json"
	"time"
)

// SegmentStatus is the generation state of a segment
type SegmentStatus string

const (
	SegmentStatusPending    SegmentStatus = "pending"
	SegmentStatusGenerating SegmentStatus = "generating"
	SegmentStatusCompleted  SegmentStatus = "completed"
	SegmentStatusFailed     SegmentStatus = "failed"
)

// Segment is one prompt-driven unit of video generation with a fixed
// position (OrderIndex) in the final render.
type Segment struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"projectId"`
	OrderIndex  int             `json:"orderIndex"`
	Prompt      string          `json:"prompt"`
	ModelParams json.RawMessage `json:"modelParams,omitempty"`

	Status       SegmentStatus `json:"status"`
	AssetRef     *string       `json:"assetRef,omitempty"`
	ErrorMessage *string       `json:"errorMessage,omitempty"`
	ErrorCode    *ErrorCode    `json:"errorCode,omitempty"`
	Attempts     int           `json:"attempts"`

	// Engine bookkeeping, never exposed to the presentation layer.
	RenderJobID     string     `json:"renderJobId,omitempty"`
	ExternalJobID   string     `json:"externalJobId,omitempty"`
	GeneratingSince *time.Time `json:"generatingSince,omitempty"`
	PollFailures    int        `json:"pollFailures,omitempty"`
	// DispatchToken marks a pending segment some dispatcher is submitting.
	DispatchToken     string     `json:"dispatchToken,omitempty"`
	DispatchClaimedAt *time.Time `json:"dispatchClaimedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether no further transition can happen without an
// explicit retry.
func (s *Segment) IsTerminal() bool {
	return s.Status == SegmentStatusCompleted || s.Status == SegmentStatusFailed
}

// HasAsset reports whether the segment finished with a usable clip.
func (s *Segment) HasAsset() bool {
	return s.Status == SegmentStatusCompleted && s.AssetRef != nil && *s.AssetRef != ""
}

// MarkCompleted moves the segment to completed with the given asset and
// clears every failure field.
func (s *Segment) MarkCompleted(assetRef string) {
	s.Status = SegmentStatusCompleted
	s.AssetRef = &assetRef
	s.ErrorMessage = nil
	s.ErrorCode = nil
	s.GeneratingSince = nil
	s.PollFailures = 0
	s.ClearDispatchClaim()
}

// MarkFailed moves the segment to failed with a classified error. The asset
// reference is dropped so error fields and asset stay mutually exclusive.
func (s *Segment) MarkFailed(code ErrorCode, message string) {
	s.Status = SegmentStatusFailed
	s.AssetRef = nil
	s.ErrorCode = &code
	s.ErrorMessage = &message
	s.GeneratingSince = nil
	s.PollFailures = 0
	s.ClearDispatchClaim()
}

// ResetPending moves the segment back to pending. Attempts are kept.
func (s *Segment) ResetPending() {
	s.Status = SegmentStatusPending
	s.AssetRef = nil
	s.ErrorCode = nil
	s.ErrorMessage = nil
	s.ExternalJobID = ""
	s.GeneratingSince = nil
	s.PollFailures = 0
	s.ClearDispatchClaim()
}

// DispatchClaimLive reports whether another dispatcher holds an unexpired
// claim on the segment.
func (s *Segment) DispatchClaimLive(now time.Time, ttl time.Duration) bool {
	if s.DispatchToken == "" || s.DispatchClaimedAt == nil {
		return false
	}
	return ttl <= 0 || now.Sub(*s.DispatchClaimedAt) < ttl
}

// ClaimDispatch records token as the only dispatcher allowed to submit.
func (s *Segment) ClaimDispatch(token string, now time.Time) {
	s.DispatchToken = token
	s.DispatchClaimedAt = &now
}

func (s *Segment) ClearDispatchClaim() {
	s.DispatchToken = ""
	s.DispatchClaimedAt = nil
}

// Params decodes ModelParams into a generic map. An empty payload yields an
// empty map.
func (s *Segment) Params() (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if len(s.ModelParams) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(s.ModelParams, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (s *Segment) Clone() *Segment {
	if s == nil {
		return nil
	}
	c := *s
	if s.ModelParams != nil {
		c.ModelParams = append(json.RawMessage(nil), s.ModelParams...)
	}
	if s.AssetRef != nil {
		v := *s.AssetRef
		c.AssetRef = &v
	}
	if s.ErrorMessage != nil {
		v := *s.ErrorMessage
		c.ErrorMessage = &v
	}
	if s.ErrorCode != nil {
		v := *s.ErrorCode
		c.ErrorCode = &v
	}
	if s.GeneratingSince != nil {
		v := *s.GeneratingSince
		c.GeneratingSince = &v
	}
	if s.DispatchClaimedAt != nil {
		v := *s.DispatchClaimedAt
		c.DispatchClaimedAt = &v
	}
	return &c
}
