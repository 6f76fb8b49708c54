package model

import "time"

// RenderJobStatus is the aggregate state of a render job
type RenderJobStatus string

const (
	RenderJobStatusPending     RenderJobStatus = "pending"
	RenderJobStatusProcessing  RenderJobStatus = "processing"
	RenderJobStatusCompositing RenderJobStatus = "compositing"
	RenderJobStatusCompleted   RenderJobStatus = "completed"
	RenderJobStatusFailed      RenderJobStatus = "failed"
)

// RenderJob composites a fixed snapshot of a project's segments into one video.
type RenderJob struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`

	// SegmentIDs is the snapshot taken at creation, sorted by order_index.
	SegmentIDs        []string        `json:"segmentIds"`
	SegmentsTotal     int             `json:"segmentsTotal"`
	SegmentsCompleted int             `json:"segmentsCompleted"`
	Status            RenderJobStatus `json:"status"`
	FinalAssetRef     *string         `json:"finalAssetRef,omitempty"`
	ErrorMessage      *string         `json:"errorMessage,omitempty"`
	ErrorCode         *ErrorCode      `json:"errorCode,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IsActive reports whether the job can still change state.
func (j *RenderJob) IsActive() bool {
	switch j.Status {
	case RenderJobStatusPending, RenderJobStatusProcessing, RenderJobStatusCompositing:
		return true
	}
	return false
}

// AcceptsSegmentEvents reports whether segment resolutions still affect the job.
func (j *RenderJob) AcceptsSegmentEvents() bool {
	return j.Status == RenderJobStatusPending || j.Status == RenderJobStatusProcessing
}

// ProgressPercentage is segments_completed over segments_total, 0 for an empty job.
func (j *RenderJob) ProgressPercentage() float64 {
	if j.SegmentsTotal == 0 {
		return 0
	}
	return float64(j.SegmentsCompleted) / float64(j.SegmentsTotal) * 100
}

// Contains reports whether segmentID is part of the snapshot.
func (j *RenderJob) Contains(segmentID string) bool {
	for _, id := range j.SegmentIDs {
		if id == segmentID {
			return true
		}
	}
	return false
}

// MarkFailed moves the job to failed, keeping the originating error.
func (j *RenderJob) MarkFailed(code ErrorCode, message string, at time.Time) {
	j.Status = RenderJobStatusFailed
	j.ErrorCode = &code
	j.ErrorMessage = &message
	j.CompletedAt = &at
}

// Clone returns a deep copy.
func (j *RenderJob) Clone() *RenderJob {
	if j == nil {
		return nil
	}
	c := *j
	c.SegmentIDs = append([]string(nil), j.SegmentIDs...)
	if j.FinalAssetRef != nil {
		v := *j.FinalAssetRef
		c.FinalAssetRef = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		c.ErrorMessage = &v
	}
	if j.ErrorCode != nil {
		v := *j.ErrorCode
		c.ErrorCode = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
