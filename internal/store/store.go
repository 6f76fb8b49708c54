// Package store persists segments and render jobs. Every mutation of an
// existing record goes through a compare-and-set on its status field so that
// concurrent actors never overwrite each other's transitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/videofoundry/api/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a record is not in any of the
	// expected statuses at update time.
	ErrStatusConflict = errors.New("status conflict")
	// ErrDuplicateOrderIndex is returned when a project already has a segment
	// at the requested order index.
	ErrDuplicateOrderIndex = errors.New("order index already used in project")
)

// SegmentMutator edits a segment in place inside a compare-and-set. Returning
// an error aborts the update and the error is passed through.
type SegmentMutator func(seg *model.Segment) error

// RenderJobMutator edits a render job in place inside a compare-and-set.
type RenderJobMutator func(job *model.RenderJob) error

// Store is the persistence contract consumed by the engine and the project
// editing service. Returned records are always copies.
type Store interface {
	CreateSegment(ctx context.Context, seg *model.Segment) error
	GetSegment(ctx context.Context, id string) (*model.Segment, error)
	// ListSegments returns a project's segments sorted by order_index.
	ListSegments(ctx context.Context, projectID string) ([]*model.Segment, error)
	DeleteSegment(ctx context.Context, id string) error
	// UpdateSegment applies mutate only if the segment's current status is in
	// expected. A nil expected list accepts any status.
	UpdateSegment(ctx context.Context, id string, expected []model.SegmentStatus, mutate SegmentMutator) (*model.Segment, error)

	CreateRenderJob(ctx context.Context, job *model.RenderJob) error
	GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error)
	// ListRenderJobs returns a project's render jobs, newest first.
	ListRenderJobs(ctx context.Context, projectID string) ([]*model.RenderJob, error)
	// ListActiveRenderJobs returns every job that is not completed or failed.
	ListActiveRenderJobs(ctx context.Context) ([]*model.RenderJob, error)
	UpdateRenderJob(ctx context.Context, id string, expected []model.RenderJobStatus, mutate RenderJobMutator) (*model.RenderJob, error)

	Close() error
}

// Segments is shorthand for an expected segment status list.
func Segments(statuses ...model.SegmentStatus) []model.SegmentStatus {
	return statuses
}

// RenderJobs is shorthand for an expected render job status list.
func RenderJobs(statuses ...model.RenderJobStatus) []model.RenderJobStatus {
	return statuses
}

func segmentStatusIn(status model.SegmentStatus, expected []model.SegmentStatus) bool {
	if expected == nil {
		return true
	}
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}

func renderJobStatusIn(status model.RenderJobStatus, expected []model.RenderJobStatus) bool {
	if expected == nil {
		return true
	}
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}

func segmentConflict(id string, actual model.SegmentStatus) error {
	return fmt.Errorf("%w: segment %s is %s", ErrStatusConflict, id, actual)
}

func renderJobConflict(id string, actual model.RenderJobStatus) error {
	return fmt.Errorf("%w: render job %s is %s", ErrStatusConflict, id, actual)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func sortSegments(segs []*model.Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].OrderIndex < segs[j].OrderIndex })
}

func sortRenderJobs(jobs []*model.RenderJob) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
}
