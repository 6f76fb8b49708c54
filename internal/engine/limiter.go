package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// SlotLimiter bounds in-flight generations per render job and system-wide.
// Both calls are idempotent per segment, so a replayed dispatch or a double
// resolution can neither take two slots nor free someone else's. A slot
// counts against the job that acquired it, and Release frees it there even
// when the caller names a later job.
type SlotLimiter interface {
	// TryAcquire takes a slot for segmentID without blocking.
	TryAcquire(ctx context.Context, jobID, segmentID string) (bool, error)
	Release(ctx context.Context, jobID, segmentID string) error
}

// MemoryLimiter keeps slots in process memory using weighted semaphores.
type MemoryLimiter struct {
	mu       sync.Mutex
	perJob   int64
	global   *semaphore.Weighted
	jobs     map[string]*jobSlots
	holders  map[string]string
	inFlight int
}

type jobSlots struct {
	sem  *semaphore.Weighted
	held int
}

// NewMemoryLimiter creates a limiter. A non-positive limit disables that
// bound.
func NewMemoryLimiter(perJob, global int) *MemoryLimiter {
	l := &MemoryLimiter{
		perJob:  int64(perJob),
		jobs:    make(map[string]*jobSlots),
		holders: make(map[string]string),
	}
	if global > 0 {
		l.global = semaphore.NewWeighted(int64(global))
	}
	return l
}

func (l *MemoryLimiter) TryAcquire(ctx context.Context, jobID, segmentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holders[segmentID]; ok {
		return true, nil
	}

	js := l.jobs[jobID]
	if js == nil {
		js = &jobSlots{}
		if l.perJob > 0 {
			js.sem = semaphore.NewWeighted(l.perJob)
		}
		l.jobs[jobID] = js
	}

	if js.sem != nil && !js.sem.TryAcquire(1) {
		l.dropIdle(jobID, js)
		return false, nil
	}
	if l.global != nil && !l.global.TryAcquire(1) {
		if js.sem != nil {
			js.sem.Release(1)
		}
		l.dropIdle(jobID, js)
		return false, nil
	}

	js.held++
	l.holders[segmentID] = jobID
	l.inFlight++
	return true, nil
}

func (l *MemoryLimiter) Release(ctx context.Context, jobID, segmentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.holders[segmentID]
	if !ok {
		return nil
	}
	delete(l.holders, segmentID)
	l.inFlight--

	if l.global != nil {
		l.global.Release(1)
	}
	if js := l.jobs[owner]; js != nil {
		if js.sem != nil {
			js.sem.Release(1)
		}
		js.held--
		l.dropIdle(owner, js)
	}
	return nil
}

// InFlight reports how many slots are currently held.
func (l *MemoryLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *MemoryLimiter) dropIdle(jobID string, js *jobSlots) {
	if js.held == 0 {
		delete(l.jobs, jobID)
	}
}

// acquireSlotScript adds the segment to the job and global slot sets if both
// have room and records which job took the slot. Returns 1 when the segment
// holds a slot afterwards. The global set doubles as the holder registry, so
// a segment already holding a slot under another job is not counted twice.
var acquireSlotScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  return 1
end
local perJob = tonumber(ARGV[2])
local global = tonumber(ARGV[3])
if perJob > 0 and redis.call("SCARD", KEYS[1]) >= perJob then
  return 0
end
if global > 0 and redis.call("SCARD", KEYS[2]) >= global then
  return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[4])
return 1
`)

// releaseSlotScript frees the slot from the job that acquired it, falling back
// to the caller's job when no owner was recorded. The job set key is built
// from ARGV, which ties the limiter to a single Redis node.
var releaseSlotScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], ARGV[1])
if not owner then
  owner = ARGV[3]
end
redis.call("SREM", ARGV[2] .. owner, ARGV[1])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`)

// RedisLimiter shares slots between processes through Redis sets.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	perJob int
	global int
}

// NewRedisLimiter creates a limiter over rdb.
func NewRedisLimiter(rdb *redis.Client, prefix string, perJob, global int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, perJob: perJob, global: global}
}

func (l *RedisLimiter) jobKeyPrefix() string {
	return l.prefix + "slots:job:"
}

func (l *RedisLimiter) jobKey(jobID string) string {
	return fmt.Sprintf("%s%s", l.jobKeyPrefix(), jobID)
}

func (l *RedisLimiter) globalKey() string {
	return l.prefix + "slots:global"
}

func (l *RedisLimiter) ownersKey() string {
	return l.prefix + "slots:owners"
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, jobID, segmentID string) (bool, error) {
	n, err := acquireSlotScript.Run(ctx, l.rdb,
		[]string{l.jobKey(jobID), l.globalKey(), l.ownersKey()},
		segmentID, l.perJob, l.global, jobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire dispatch slot: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLimiter) Release(ctx context.Context, jobID, segmentID string) error {
	err := releaseSlotScript.Run(ctx, l.rdb,
		[]string{l.ownersKey(), l.globalKey()},
		segmentID, l.jobKeyPrefix(), jobID,
	).Err()
	if err != nil {
		return fmt.Errorf("release dispatch slot: %w", err)
	}
	return nil
}

var (
	_ SlotLimiter = (*MemoryLimiter)(nil)
	_ SlotLimiter = (*RedisLimiter)(nil)
)
