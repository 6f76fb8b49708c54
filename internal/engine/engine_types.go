package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/videofoundry/api/internal/model"
)

var (
	// ErrRenderInProgress is returned when a project already has an active
	// render job.
	ErrRenderInProgress = errors.New("render already in progress for project")
	// ErrNoSegments is returned when a render is requested for a project
	// without segments.
	ErrNoSegments = errors.New("project has no segments")
	// ErrSegmentNotFailed is returned by a manual retry of a segment that is
	// not failed.
	ErrSegmentNotFailed = errors.New("segment is not failed")
	// ErrJobNotActive is returned when cancelling a job that already finished.
	ErrJobNotActive = errors.New("render job is not active")
)

// Config holds the orchestration policy.
type Config struct {
	// MaxAttempts is the per-segment dispatch budget.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
	// MaxPollFailures is how many consecutive failed polls fail a segment.
	MaxPollFailures int
	// GenerationTimeout forces a segment stuck in generating to fail.
	GenerationTimeout time.Duration
	// SlotWait is how long a segment waits for a dispatch slot before the
	// next try.
	SlotWait time.Duration
	// DispatchClaimTTL bounds how long a dispatch claim blocks other
	// dispatchers. It must outlast a backend submit call. Zero means claims
	// never expire.
	DispatchClaimTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		RetryBaseDelay:    5 * time.Second,
		RetryMaxDelay:     2 * time.Minute,
		PollInterval:      5 * time.Second,
		MaxPollFailures:   5,
		GenerationTimeout: 30 * time.Minute,
		SlotWait:          5 * time.Second,
		DispatchClaimTTL:  5 * time.Minute,
	}
}

// Backoff is the delay before redispatching after the given attempt:
// base * 2^(attempt-1), capped at RetryMaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.RetryMaxDelay > 0 && d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if c.RetryMaxDelay > 0 && d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}

// Scheduler runs engine steps later, possibly on another process. Every
// step is idempotent, so at-least-once delivery is enough.
type Scheduler interface {
	ScheduleDispatch(ctx context.Context, segmentID string, delay time.Duration) error
	SchedulePoll(ctx context.Context, segmentID string, delay time.Duration) error
	ScheduleComposite(ctx context.Context, renderJobID string, delay time.Duration) error
}

// Notifier receives every persisted transition.
type Notifier interface {
	SegmentUpdated(seg *model.Segment)
	RenderJobUpdated(job *model.RenderJob)
}

type nopNotifier struct{}

func (nopNotifier) SegmentUpdated(*model.Segment)     {}
func (nopNotifier) RenderJobUpdated(*model.RenderJob) {}

// keyedMutex serializes work per key within one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
