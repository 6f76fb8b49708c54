package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/videofoundry/api/internal/model"
)

const maxTxRetries = 16

// RedisStore keeps segments and render jobs as JSON documents in Redis.
// Compare-and-set runs inside WATCH/MULTI so a concurrent writer aborts the
// transaction and the update is replayed against fresh state.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) segmentKey(id string) string {
	return fmt.Sprintf("%ssegment:%s", s.prefix, id)
}

func (s *RedisStore) projectSegmentsKey(projectID string) string {
	return fmt.Sprintf("%sproject:%s:segments", s.prefix, projectID)
}

func (s *RedisStore) orderIndexKey(projectID string) string {
	return fmt.Sprintf("%sproject:%s:order_index", s.prefix, projectID)
}

func (s *RedisStore) renderJobKey(id string) string {
	return fmt.Sprintf("%srender_job:%s", s.prefix, id)
}

func (s *RedisStore) projectRenderJobsKey(projectID string) string {
	return fmt.Sprintf("%sproject:%s:render_jobs", s.prefix, projectID)
}

func (s *RedisStore) activeRenderJobsKey() string {
	return s.prefix + "render_jobs:active"
}

func (s *RedisStore) CreateSegment(ctx context.Context, seg *model.Segment) error {
	c := seg.Clone()
	now := nowUTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal segment: %w", err)
	}

	orderKey := s.orderIndexKey(c.ProjectID)
	field := strconv.Itoa(c.OrderIndex)
	return s.withRetry(ctx, func() error {
		return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			taken, err := tx.HExists(ctx, orderKey, field).Result()
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateOrderIndex
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.segmentKey(c.ID), data, 0)
				pipe.SAdd(ctx, s.projectSegmentsKey(c.ProjectID), c.ID)
				pipe.HSet(ctx, orderKey, field, c.ID)
				return nil
			})
			return err
		}, orderKey)
	})
}

func (s *RedisStore) GetSegment(ctx context.Context, id string) (*model.Segment, error) {
	return s.loadSegment(ctx, s.rdb, id)
}

func (s *RedisStore) loadSegment(ctx context.Context, cmd redis.Cmdable, id string) (*model.Segment, error) {
	data, err := cmd.Get(ctx, s.segmentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var seg model.Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segment %s: %w", id, err)
	}
	return &seg, nil
}

func (s *RedisStore) ListSegments(ctx context.Context, projectID string) ([]*model.Segment, error) {
	ids, err := s.rdb.SMembers(ctx, s.projectSegmentsKey(projectID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Segment, 0, len(ids))
	for _, id := range ids {
		seg, err := s.GetSegment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	sortSegments(out)
	return out, nil
}

func (s *RedisStore) DeleteSegment(ctx context.Context, id string) error {
	key := s.segmentKey(id)
	return s.withRetry(ctx, func() error {
		return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			seg, err := s.loadSegment(ctx, tx, id)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.projectSegmentsKey(seg.ProjectID), id)
				pipe.HDel(ctx, s.orderIndexKey(seg.ProjectID), strconv.Itoa(seg.OrderIndex))
				return nil
			})
			return err
		}, key)
	})
}

func (s *RedisStore) UpdateSegment(ctx context.Context, id string, expected []model.SegmentStatus, mutate SegmentMutator) (*model.Segment, error) {
	key := s.segmentKey(id)
	var updated *model.Segment
	err := s.withRetry(ctx, func() error {
		// The order index hash is watched too so a concurrent reorder in the
		// same project aborts this transaction.
		current, err := s.GetSegment(ctx, id)
		if err != nil {
			return err
		}
		orderKey := s.orderIndexKey(current.ProjectID)

		return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			seg, err := s.loadSegment(ctx, tx, id)
			if err != nil {
				return err
			}
			if !segmentStatusIn(seg.Status, expected) {
				return segmentConflict(id, seg.Status)
			}
			c := seg.Clone()
			if err := mutate(c); err != nil {
				return err
			}
			moved := c.OrderIndex != seg.OrderIndex
			if moved {
				taken, err := tx.HExists(ctx, orderKey, strconv.Itoa(c.OrderIndex)).Result()
				if err != nil {
					return err
				}
				if taken {
					return ErrDuplicateOrderIndex
				}
			}
			c.UpdatedAt = nowUTC()
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal segment: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if moved {
					pipe.HDel(ctx, orderKey, strconv.Itoa(seg.OrderIndex))
					pipe.HSet(ctx, orderKey, strconv.Itoa(c.OrderIndex), id)
				}
				return nil
			})
			if err == nil {
				updated = c
			}
			return err
		}, key, orderKey)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) CreateRenderJob(ctx context.Context, job *model.RenderJob) error {
	c := job.Clone()
	now := nowUTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal render job: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.renderJobKey(c.ID), data, 0)
		pipe.ZAdd(ctx, s.projectRenderJobsKey(c.ProjectID), redis.Z{
			Score:  float64(c.CreatedAt.UnixNano()),
			Member: c.ID,
		})
		if c.IsActive() {
			pipe.SAdd(ctx, s.activeRenderJobsKey(), c.ID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	return s.loadRenderJob(ctx, s.rdb, id)
}

func (s *RedisStore) loadRenderJob(ctx context.Context, cmd redis.Cmdable, id string) (*model.RenderJob, error) {
	data, err := cmd.Get(ctx, s.renderJobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job model.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal render job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) ListRenderJobs(ctx context.Context, projectID string) ([]*model.RenderJob, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.projectRenderJobsKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadRenderJobs(ctx, ids)
}

func (s *RedisStore) ListActiveRenderJobs(ctx context.Context) ([]*model.RenderJob, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeRenderJobsKey()).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.loadRenderJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := jobs[:0]
	for _, j := range jobs {
		if j.IsActive() {
			active = append(active, j)
		}
	}
	sortRenderJobs(active)
	return active, nil
}

func (s *RedisStore) loadRenderJobs(ctx context.Context, ids []string) ([]*model.RenderJob, error) {
	out := make([]*model.RenderJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetRenderJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) UpdateRenderJob(ctx context.Context, id string, expected []model.RenderJobStatus, mutate RenderJobMutator) (*model.RenderJob, error) {
	key := s.renderJobKey(id)
	var updated *model.RenderJob
	err := s.withRetry(ctx, func() error {
		return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			job, err := s.loadRenderJob(ctx, tx, id)
			if err != nil {
				return err
			}
			if !renderJobStatusIn(job.Status, expected) {
				return renderJobConflict(id, job.Status)
			}
			c := job.Clone()
			if err := mutate(c); err != nil {
				return err
			}
			c.UpdatedAt = nowUTC()
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal render job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if c.IsActive() {
					pipe.SAdd(ctx, s.activeRenderJobsKey(), id)
				} else {
					pipe.SRem(ctx, s.activeRenderJobsKey(), id)
				}
				return nil
			})
			if err == nil {
				updated = c
			}
			return err
		}, key)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withRetry replays fn while another client invalidates the watched keys.
func (s *RedisStore) withRetry(ctx context.Context, fn func() error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := fn()
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("redis transaction retries exhausted: %w", redis.TxFailedErr)
}

// Close is a no-op: the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
