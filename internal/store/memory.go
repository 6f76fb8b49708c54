package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/videofoundry/api/internal/model"
)

type segmentEntry struct {
	mu      sync.Mutex
	seg     *model.Segment
	deleted bool
}

type renderJobEntry struct {
	mu  sync.Mutex
	job *model.RenderJob
}

// MemoryStore keeps records in process memory. The map lock only guards
// lookups and the order index; each record carries its own lock for
// compare-and-set. Lock order is always entry, then map.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string]*segmentEntry
	orders   map[string]string
	jobs     map[string]*renderJobEntry
	now      func() time.Time
}

func orderKey(projectID string, orderIndex int) string {
	return fmt.Sprintf("%s/%d", projectID, orderIndex)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[string]*segmentEntry),
		orders:   make(map[string]string),
		jobs:     make(map[string]*renderJobEntry),
		now:      nowUTC,
	}
}

func (s *MemoryStore) CreateSegment(ctx context.Context, seg *model.Segment) error {
	c := seg.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(c.ProjectID, c.OrderIndex)
	if _, taken := s.orders[key]; taken {
		return ErrDuplicateOrderIndex
	}
	s.orders[key] = c.ID
	s.segments[c.ID] = &segmentEntry{seg: c}
	return nil
}

func (s *MemoryStore) GetSegment(ctx context.Context, id string) (*model.Segment, error) {
	s.mu.RLock()
	e, ok := s.segments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.seg.Clone(), nil
}

func (s *MemoryStore) ListSegments(ctx context.Context, projectID string) ([]*model.Segment, error) {
	s.mu.RLock()
	entries := make([]*segmentEntry, 0, len(s.segments))
	for _, e := range s.segments {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*model.Segment
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.seg.ProjectID == projectID {
			out = append(out, e.seg.Clone())
		}
		e.mu.Unlock()
	}
	sortSegments(out)
	return out, nil
}

func (s *MemoryStore) DeleteSegment(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.segments[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}
	e.deleted = true

	s.mu.Lock()
	delete(s.segments, id)
	delete(s.orders, orderKey(e.seg.ProjectID, e.seg.OrderIndex))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateSegment(ctx context.Context, id string, expected []model.SegmentStatus, mutate SegmentMutator) (*model.Segment, error) {
	s.mu.RLock()
	e, ok := s.segments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	if !segmentStatusIn(e.seg.Status, expected) {
		return nil, segmentConflict(id, e.seg.Status)
	}

	c := e.seg.Clone()
	if err := mutate(c); err != nil {
		return nil, err
	}
	if c.OrderIndex != e.seg.OrderIndex {
		if err := s.moveOrderIndex(e.seg, c.OrderIndex); err != nil {
			return nil, err
		}
	}
	c.UpdatedAt = s.now()
	e.seg = c
	return c.Clone(), nil
}

func (s *MemoryStore) moveOrderIndex(seg *model.Segment, orderIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(seg.ProjectID, orderIndex)
	if _, taken := s.orders[key]; taken {
		return ErrDuplicateOrderIndex
	}
	delete(s.orders, orderKey(seg.ProjectID, seg.OrderIndex))
	s.orders[key] = seg.ID
	return nil
}

func (s *MemoryStore) CreateRenderJob(ctx context.Context, job *model.RenderJob) error {
	c := job.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[c.ID] = &renderJobEntry{job: c}
	return nil
}

func (s *MemoryStore) GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (s *MemoryStore) ListRenderJobs(ctx context.Context, projectID string) ([]*model.RenderJob, error) {
	return s.listJobs(func(j *model.RenderJob) bool { return j.ProjectID == projectID }), nil
}

func (s *MemoryStore) ListActiveRenderJobs(ctx context.Context) ([]*model.RenderJob, error) {
	return s.listJobs(func(j *model.RenderJob) bool { return j.IsActive() }), nil
}

func (s *MemoryStore) listJobs(keep func(*model.RenderJob) bool) []*model.RenderJob {
	s.mu.RLock()
	entries := make([]*renderJobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*model.RenderJob
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.job) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sortRenderJobs(out)
	return out
}

func (s *MemoryStore) UpdateRenderJob(ctx context.Context, id string, expected []model.RenderJobStatus, mutate RenderJobMutator) (*model.RenderJob, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !renderJobStatusIn(e.job.Status, expected) {
		return nil, renderJobConflict(id, e.job.Status)
	}
	c := e.job.Clone()
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	e.job = c
	return c.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
