package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const mockOutputScheme = "mock://"

type mockJob struct {
	prompt    string
	startedAt time.Time
	fail      bool
	cancelled bool
}

// MockGenerator simulates a backend without calling a real service. Jobs
// finish after a fixed delay and fail with the configured probability.
type MockGenerator struct {
	mu       sync.Mutex
	jobs     map[string]*mockJob
	delay    time.Duration
	failRate float64
	rng      *rand.Rand
	now      func() time.Time
}

// NewMockGenerator creates a mock backend.
func NewMockGenerator(delay time.Duration, failRate float64) *MockGenerator {
	return &MockGenerator{
		jobs:     make(map[string]*mockJob),
		delay:    delay,
		failRate: failRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

func (m *MockGenerator) Submit(ctx context.Context, req *GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := "mock_job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[handle] = &mockJob{
		prompt:    req.Prompt,
		startedAt: m.now(),
		fail:      m.rng.Float64() < m.failRate,
	}
	return handle, nil
}

func (m *MockGenerator) Poll(ctx context.Context, handle string) (*GenerationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[handle]
	if !ok {
		return nil, &APIError{Backend: "mock", StatusCode: 404, Body: "job not found"}
	}
	if job.cancelled {
		return &GenerationStatus{
			State:   GenerationFailed,
			Failure: &RemoteFailure{Kind: FailureKindExecution, Message: "generation cancelled"},
		}, nil
	}
	if m.now().Sub(job.startedAt) < m.delay {
		return &GenerationStatus{State: GenerationRunning}, nil
	}
	if job.fail {
		return &GenerationStatus{
			State:   GenerationFailed,
			Failure: &RemoteFailure{Kind: FailureKindExecution, Message: "simulated generation failure"},
		}, nil
	}
	return &GenerationStatus{
		State:     GenerationSucceeded,
		OutputURL: mockOutputScheme + handle + ".mp4",
	}, nil
}

func (m *MockGenerator) Cancel(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[handle]; ok {
		job.cancelled = true
	}
	return nil
}

// Fetch returns placeholder bytes naming the handle and prompt.
// Health always succeeds unless ctx is done.
func (m *MockGenerator) Health(ctx context.Context) error {
	return ctx.Err()
}

func (m *MockGenerator) Fetch(ctx context.Context, handle, outputURL string) (io.ReadCloser, error) {
	m.mu.Lock()
	job, ok := m.jobs[handle]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mock output %s: %w", outputURL, ErrNoOutput)
	}
	return io.NopCloser(bytes.NewReader([]byte(fmt.Sprintf("mock clip %s: %s\n", handle, job.prompt)))), nil
}

var _ Generator = (*MockGenerator)(nil)
