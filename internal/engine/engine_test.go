package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/store"
)

// --- fakes ---

type fakeGenerator struct {
	mu         sync.Mutex
	seq        int
	handles    map[string]string
	outcomes   map[string]*client.GenerationStatus
	submitErrs map[string]error
	pollErrs   map[string]error
	submits    map[string]int
	cancelled  []string
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		handles:    make(map[string]string),
		outcomes:   make(map[string]*client.GenerationStatus),
		submitErrs: make(map[string]error),
		pollErrs:   make(map[string]error),
		submits:    make(map[string]int),
	}
}

func (g *fakeGenerator) succeed(segmentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[segmentID] = &client.GenerationStatus{State: client.GenerationSucceeded, OutputURL: "out://" + segmentID}
}

func (g *fakeGenerator) fail(segmentID, kind string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[segmentID] = &client.GenerationStatus{
		State:   client.GenerationFailed,
		Failure: &client.RemoteFailure{Kind: kind, Message: "backend said no"},
	}
}

func (g *fakeGenerator) rejectSubmit(segmentID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitErrs[segmentID] = err
}

func (g *fakeGenerator) failPolls(segmentID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollErrs[segmentID] = err
}

func (g *fakeGenerator) submitCount(segmentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits[segmentID]
}

func (g *fakeGenerator) wasCancelled(handle string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.cancelled {
		if h == handle {
			return true
		}
	}
	return false
}

func (g *fakeGenerator) Submit(ctx context.Context, req *client.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits[req.SegmentID]++
	if err := g.submitErrs[req.SegmentID]; err != nil {
		return "", err
	}
	g.seq++
	handle := fmt.Sprintf("h%d-%s", g.seq, req.SegmentID)
	g.handles[handle] = req.SegmentID
	return handle, nil
}

func (g *fakeGenerator) Poll(ctx context.Context, handle string) (*client.GenerationStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	segID, ok := g.handles[handle]
	if !ok {
		return nil, &client.APIError{Backend: "fake", StatusCode: 404, Body: "unknown handle"}
	}
	if err := g.pollErrs[segID]; err != nil {
		return nil, err
	}
	if st, ok := g.outcomes[segID]; ok {
		c := *st
		return &c, nil
	}
	return &client.GenerationStatus{State: client.GenerationRunning}, nil
}

func (g *fakeGenerator) Cancel(ctx context.Context, handle string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, handle)
	if segID, ok := g.handles[handle]; ok {
		g.outcomes[segID] = &client.GenerationStatus{
			State:   client.GenerationFailed,
			Failure: &client.RemoteFailure{Kind: client.FailureKindExecution, Message: "cancelled"},
		}
	}
	return nil
}

func (g *fakeGenerator) Fetch(ctx context.Context, handle, outputURL string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("clip " + handle)), nil
}

func (g *fakeGenerator) Health(ctx context.Context) error { return nil }

// blockingGenerator parks every Submit until release is closed, so a test can
// act while a dispatcher sits between its claim and its backend call.
type blockingGenerator struct {
	*fakeGenerator
	entered chan string
	release chan struct{}
}

func newBlockingGenerator(g *fakeGenerator) *blockingGenerator {
	return &blockingGenerator{
		fakeGenerator: g,
		entered:       make(chan string, 1),
		release:       make(chan struct{}),
	}
}

func (g *blockingGenerator) Submit(ctx context.Context, req *client.GenerateRequest) (string, error) {
	g.entered <- req.SegmentID
	<-g.release
	return g.fakeGenerator.Submit(ctx, req)
}

type task struct {
	kind  string
	id    string
	delay time.Duration
}

type recordingScheduler struct {
	mu      sync.Mutex
	queue   []task
	history []task
}

func (s *recordingScheduler) push(kind, id string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task{kind: kind, id: id, delay: delay}
	s.queue = append(s.queue, t)
	s.history = append(s.history, t)
	return nil
}

func (s *recordingScheduler) ScheduleDispatch(ctx context.Context, id string, delay time.Duration) error {
	return s.push("dispatch", id, delay)
}

func (s *recordingScheduler) SchedulePoll(ctx context.Context, id string, delay time.Duration) error {
	return s.push("poll", id, delay)
}

func (s *recordingScheduler) ScheduleComposite(ctx context.Context, id string, delay time.Duration) error {
	return s.push("composite", id, delay)
}

func (s *recordingScheduler) take() []task {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *recordingScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *recordingScheduler) delays(kind, id string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.history {
		if t.kind == kind && t.id == id {
			out = append(out, t.delay)
		}
	}
	return out
}

type fakeMuxer struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (m *fakeMuxer) Concat(ctx context.Context, refs []string, outputKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string(nil), refs...))
	if m.err != nil {
		return "", m.err
	}
	return outputKey, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs map[string][]*model.RenderJob
}

func (n *recordingNotifier) SegmentUpdated(*model.Segment) {}

func (n *recordingNotifier) RenderJobUpdated(job *model.RenderJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.jobs == nil {
		n.jobs = make(map[string][]*model.RenderJob)
	}
	n.jobs[job.ID] = append(n.jobs[job.ID], job.Clone())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- harness ---

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *store.MemoryStore
	gen     *fakeGenerator
	sched   *recordingScheduler
	muxer   *fakeMuxer
	notes   *recordingNotifier
	clock   *fakeClock
	limiter *MemoryLimiter
	engine  *Engine
}

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     time.Minute,
		PollInterval:      time.Second,
		MaxPollFailures:   3,
		GenerationTimeout: 10 * time.Minute,
		SlotWait:          2 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, limiter *MemoryLimiter) *harness {
	t.Helper()
	storage, err := client.NewFileStore(t.TempDir(), "http://assets.test")
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	if limiter == nil {
		limiter = NewMemoryLimiter(0, 0)
	}
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   store.NewMemoryStore(),
		gen:     newFakeGenerator(),
		sched:   &recordingScheduler{},
		muxer:   &fakeMuxer{},
		notes:   &recordingNotifier{},
		clock:   &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		limiter: limiter,
	}
	h.engine = New(cfg, Deps{
		Store:     h.store,
		Generator: h.gen,
		Storage:   storage,
		Muxer:     h.muxer,
		Limiter:   h.limiter,
		Scheduler: h.sched,
		Notifier:  h.notes,
		Logger:    zerolog.Nop(),
		Now:       h.clock.Now,
	})
	return h
}

// peer builds a second engine over the harness store, limiter and clock, as
// another API process would run.
func (h *harness) peer(cfg Config, gen client.Generator, sched Scheduler) *Engine {
	return New(cfg, Deps{
		Store:     h.store,
		Generator: gen,
		Muxer:     h.muxer,
		Limiter:   h.limiter,
		Scheduler: sched,
		Logger:    zerolog.Nop(),
		Now:       h.clock.Now,
	})
}

func (h *harness) addSegments(projectID string, n int) []string {
	h.t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s-seg-%d", projectID, i)
		err := h.store.CreateSegment(h.ctx, &model.Segment{
			ID:         ids[i],
			ProjectID:  projectID,
			OrderIndex: i,
			Prompt:     fmt.Sprintf("shot %d", i),
			Status:     model.SegmentStatusPending,
		})
		if err != nil {
			h.t.Fatalf("CreateSegment error: %v", err)
		}
	}
	return ids
}

// tick runs every task queued so far once and returns how many ran.
func (h *harness) tick() int {
	h.t.Helper()
	tasks := h.sched.take()
	for _, tk := range tasks {
		var err error
		switch tk.kind {
		case "dispatch":
			err = h.engine.Dispatch(h.ctx, tk.id)
		case "poll":
			err = h.engine.Poll(h.ctx, tk.id)
		case "composite":
			err = h.engine.Composite(h.ctx, tk.id)
		}
		if err != nil {
			h.t.Errorf("%s(%s) error: %v", tk.kind, tk.id, err)
		}
	}
	return len(tasks)
}

// drain ticks until nothing is queued. Only valid when no segment keeps
// running forever.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		if h.tick() == 0 {
			return
		}
	}
	h.t.Fatalf("scheduler did not drain, %d tasks still queued", h.sched.pending())
}

func (h *harness) segment(id string) *model.Segment {
	h.t.Helper()
	seg, err := h.store.GetSegment(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetSegment(%s) error: %v", id, err)
	}
	return seg
}

func (h *harness) job(id string) *model.RenderJob {
	h.t.Helper()
	job, err := h.store.GetRenderJob(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetRenderJob(%s) error: %v", id, err)
	}
	return job
}

func (h *harness) requestRender(projectID string) *model.RenderJob {
	h.t.Helper()
	job, err := h.engine.RequestRender(h.ctx, projectID)
	if err != nil {
		h.t.Fatalf("RequestRender error: %v", err)
	}
	return job
}

// checkSegments asserts asset and error fields never coexist and that error
// codes come from the closed taxonomy.
func (h *harness) checkSegments(projectID string) {
	h.t.Helper()
	segs, err := h.store.ListSegments(h.ctx, projectID)
	if err != nil {
		h.t.Fatalf("ListSegments error: %v", err)
	}
	for _, s := range segs {
		hasAsset := s.AssetRef != nil
		hasError := s.ErrorCode != nil || s.ErrorMessage != nil
		switch s.Status {
		case model.SegmentStatusCompleted:
			if !hasAsset || hasError {
				h.t.Errorf("completed segment %s: asset=%v error=%v", s.ID, hasAsset, hasError)
			}
		case model.SegmentStatusFailed:
			if hasAsset || s.ErrorCode == nil || s.ErrorMessage == nil {
				h.t.Errorf("failed segment %s: asset=%v error=%v", s.ID, hasAsset, hasError)
			}
		default:
			if hasAsset || hasError {
				h.t.Errorf("%s segment %s: asset=%v error=%v", s.Status, s.ID, hasAsset, hasError)
			}
		}
		if s.ErrorCode != nil && !inTaxonomy(*s.ErrorCode) {
			h.t.Errorf("segment %s has code %s outside the taxonomy", s.ID, *s.ErrorCode)
		}
	}
}

// checkProgress asserts segments_completed never went down in any published
// snapshot of the job.
func (h *harness) checkProgress(jobID string) {
	h.t.Helper()
	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	last := 0
	for _, j := range h.notes.jobs[jobID] {
		if j.SegmentsCompleted < last {
			h.t.Errorf("segments_completed decreased from %d to %d", last, j.SegmentsCompleted)
		}
		if j.SegmentsCompleted > j.SegmentsTotal {
			h.t.Errorf("segments_completed %d exceeds total %d", j.SegmentsCompleted, j.SegmentsTotal)
		}
		last = j.SegmentsCompleted
	}
}

func inTaxonomy(code model.ErrorCode) bool {
	for _, c := range model.SegmentErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// --- tests ---

func TestRequestRender_HappyPath(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 3)
	for _, id := range ids {
		h.gen.succeed(id)
	}

	job := h.requestRender("p1")
	if job.Status != model.RenderJobStatusProcessing {
		t.Errorf("expected processing, got %s", job.Status)
	}
	if job.SegmentsTotal != 3 || len(job.SegmentIDs) != 3 {
		t.Fatalf("unexpected snapshot: %+v", job)
	}
	for i, id := range job.SegmentIDs {
		if id != ids[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, id, ids[i])
		}
	}

	h.drain()

	got := h.job(job.ID)
	if got.Status != model.RenderJobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.SegmentsCompleted != 3 {
		t.Errorf("expected 3 completed, got %d", got.SegmentsCompleted)
	}
	if got.FinalAssetRef == nil || *got.FinalAssetRef != RenderAssetKey("p1", job.ID) {
		t.Errorf("unexpected final asset: %v", got.FinalAssetRef)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	for _, id := range ids {
		seg := h.segment(id)
		if seg.Status != model.SegmentStatusCompleted || seg.Attempts != 1 {
			t.Errorf("segment %s: status=%s attempts=%d", id, seg.Status, seg.Attempts)
		}
		if *seg.AssetRef != SegmentAssetKey("p1", id) {
			t.Errorf("segment %s asset = %s", id, *seg.AssetRef)
		}
	}
	if h.limiter.InFlight() != 0 {
		t.Errorf("expected all slots released, %d held", h.limiter.InFlight())
	}
	h.checkSegments("p1")
	h.checkProgress(job.ID)
}

func TestRequestRender_Rejections(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	if _, err := h.engine.RequestRender(h.ctx, "empty"); !errors.Is(err, ErrNoSegments) {
		t.Errorf("expected ErrNoSegments, got %v", err)
	}

	h.addSegments("p1", 1)
	h.requestRender("p1")
	if _, err := h.engine.RequestRender(h.ctx, "p1"); !errors.Is(err, ErrRenderInProgress) {
		t.Errorf("expected ErrRenderInProgress, got %v", err)
	}
}

func TestComposite_UsesOrderIndexNotCompletionOrder(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 2)
	job := h.requestRender("p1")

	h.tick() // dispatch both

	h.gen.succeed(ids[1])
	h.tick()
	if got := h.job(job.ID); got.SegmentsCompleted != 1 || got.Status != model.RenderJobStatusProcessing {
		t.Fatalf("after first completion: completed=%d status=%s", got.SegmentsCompleted, got.Status)
	}

	h.gen.succeed(ids[0])
	h.drain()

	if len(h.muxer.calls) != 1 {
		t.Fatalf("expected one concat, got %d", len(h.muxer.calls))
	}
	want := []string{SegmentAssetKey("p1", ids[0]), SegmentAssetKey("p1", ids[1])}
	got := h.muxer.calls[0]
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("concat order = %v, want %v", got, want)
	}
	if h.job(job.ID).Status != model.RenderJobStatusCompleted {
		t.Errorf("expected completed job")
	}
	h.checkProgress(job.ID)
}

func TestRetry_BudgetExhausted(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	ids := h.addSegments("p1", 1)
	h.gen.fail(ids[0], client.FailureKindExecution)

	job := h.requestRender("p1")
	h.drain()

	seg := h.segment(ids[0])
	if seg.Status != model.SegmentStatusFailed {
		t.Fatalf("expected failed segment, got %s", seg.Status)
	}
	if seg.Attempts != cfg.MaxAttempts {
		t.Errorf("expected %d attempts, got %d", cfg.MaxAttempts, seg.Attempts)
	}
	if n := h.gen.submitCount(ids[0]); n != cfg.MaxAttempts {
		t.Errorf("expected %d submissions, got %d", cfg.MaxAttempts, n)
	}
	if *seg.ErrorCode != model.ErrorCodeGeneration {
		t.Errorf("expected GENERATION_ERROR, got %s", *seg.ErrorCode)
	}

	delays := h.sched.delays("dispatch", ids[0])
	wantDelays := []time.Duration{0, cfg.Backoff(1), cfg.Backoff(2)}
	if len(delays) != len(wantDelays) {
		t.Fatalf("dispatch delays = %v, want %v", delays, wantDelays)
	}
	for i := range wantDelays {
		if delays[i] != wantDelays[i] {
			t.Errorf("dispatch delay %d = %s, want %s", i, delays[i], wantDelays[i])
		}
	}

	got := h.job(job.ID)
	if got.Status != model.RenderJobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != model.ErrorCodeGeneration {
		t.Errorf("job should carry the segment's code, got %v", got.ErrorCode)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != *seg.ErrorMessage {
		t.Errorf("job should carry the segment's message, got %v", got.ErrorMessage)
	}
	h.checkSegments("p1")
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	h.gen.fail(ids[0], client.FailureKindWorkflow)

	job := h.requestRender("p1")
	h.drain()

	seg := h.segment(ids[0])
	if seg.Attempts != 1 || *seg.ErrorCode != model.ErrorCodeWorkflow {
		t.Errorf("segment: attempts=%d code=%s", seg.Attempts, *seg.ErrorCode)
	}
	if got := h.job(job.ID); got.Status != model.RenderJobStatusFailed || *got.ErrorCode != model.ErrorCodeWorkflow {
		t.Errorf("job: status=%s code=%v", got.Status, got.ErrorCode)
	}
}

func TestSubmit_UnknownErrorIsInternal(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	h.gen.rejectSubmit(ids[0], errors.New("something nobody anticipated"))

	job := h.requestRender("p1")
	h.drain()

	seg := h.segment(ids[0])
	if seg.Status != model.SegmentStatusFailed || *seg.ErrorCode != model.ErrorCodeInternal {
		t.Fatalf("segment: status=%s code=%v", seg.Status, seg.ErrorCode)
	}
	if seg.Attempts != 1 {
		t.Errorf("rejected submission should count as an attempt, got %d", seg.Attempts)
	}
	if got := h.job(job.ID); *got.ErrorCode != model.ErrorCodeInternal {
		t.Errorf("job code = %s", *got.ErrorCode)
	}
	if h.limiter.InFlight() != 0 {
		t.Errorf("slot leaked after rejected submission")
	}
	h.checkSegments("p1")
}

func TestFailFast_LateCompletionDoesNotReviveJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 2)
	job := h.requestRender("p1")

	h.tick() // dispatch both
	h.gen.fail(ids[0], client.FailureKindMissingModel)
	h.tick() // seg 0 fails, seg 1 still running

	got := h.job(job.ID)
	if got.Status != model.RenderJobStatusFailed || *got.ErrorCode != model.ErrorCodeMissingComponent {
		t.Fatalf("job: status=%s code=%v", got.Status, got.ErrorCode)
	}
	if h.segment(ids[1]).Status != model.SegmentStatusGenerating {
		t.Fatalf("sibling should keep generating")
	}

	h.gen.succeed(ids[1])
	h.drain()

	if h.segment(ids[1]).Status != model.SegmentStatusCompleted {
		t.Errorf("sibling should still complete")
	}
	got = h.job(job.ID)
	if got.Status != model.RenderJobStatusFailed {
		t.Errorf("failed job flipped to %s", got.Status)
	}
	if got.SegmentsCompleted != 0 {
		t.Errorf("failed job progress moved to %d", got.SegmentsCompleted)
	}
	if len(h.muxer.calls) != 0 {
		t.Errorf("failed job must not composite")
	}
	h.checkSegments("p1")
	h.checkProgress(job.ID)
}

func TestPoll_ConcurrentDuplicatesAreIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	job := h.requestRender("p1")
	h.tick()
	h.sched.take() // drop the queued poll, we drive it by hand

	h.gen.succeed(ids[0])
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.engine.Poll(h.ctx, ids[0]); err != nil {
				t.Errorf("Poll error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(h.sched.delays("composite", job.ID)); n != 1 {
		t.Errorf("expected compositing scheduled once, got %d", n)
	}
	got := h.job(job.ID)
	if got.Status != model.RenderJobStatusCompositing || got.SegmentsCompleted != 1 {
		t.Errorf("job: status=%s completed=%d", got.Status, got.SegmentsCompleted)
	}

	h.drain()
	if len(h.muxer.calls) != 1 {
		t.Errorf("expected one concat, got %d", len(h.muxer.calls))
	}
	h.checkProgress(job.ID)
}

func TestPoll_GenerationTimeout(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	h.requestRender("p1")
	h.tick()
	handle := h.segment(ids[0]).ExternalJobID

	h.clock.Advance(11 * time.Minute)
	h.tick()

	seg := h.segment(ids[0])
	if seg.Status != model.SegmentStatusPending {
		t.Fatalf("timed out segment should be requeued, got %s", seg.Status)
	}
	if seg.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", seg.Attempts)
	}
	if !h.gen.wasCancelled(handle) {
		t.Errorf("expected backend job %s to be cancelled", handle)
	}
}

func TestPoll_RepeatedErrorsFailSegment(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	h.requestRender("p1")
	h.tick()

	h.gen.failPolls(ids[0], &client.APIError{Backend: "fake", StatusCode: 503, Body: "busy"})
	h.tick()
	h.tick()
	seg := h.segment(ids[0])
	if seg.Status != model.SegmentStatusGenerating || seg.PollFailures != 2 {
		t.Fatalf("after two failed polls: status=%s failures=%d", seg.Status, seg.PollFailures)
	}

	h.tick()
	seg = h.segment(ids[0])
	if seg.Status != model.SegmentStatusPending {
		t.Fatalf("connection errors are retryable, expected pending, got %s", seg.Status)
	}
	if seg.PollFailures != 0 {
		t.Errorf("poll failure streak should reset, got %d", seg.PollFailures)
	}
}

func TestDispatch_RespectsSlotLimit(t *testing.T) {
	h := newHarness(t, testConfig(), NewMemoryLimiter(1, 0))
	ids := h.addSegments("p1", 2)
	h.requestRender("p1")

	h.tick()
	if h.segment(ids[0]).Status != model.SegmentStatusGenerating {
		t.Fatalf("first segment should be generating")
	}
	if h.segment(ids[1]).Status != model.SegmentStatusPending {
		t.Fatalf("second segment should wait for a slot")
	}
	delays := h.sched.delays("dispatch", ids[1])
	if len(delays) != 2 || delays[1] != testConfig().SlotWait {
		t.Errorf("expected a slot wait redispatch, got %v", delays)
	}

	h.gen.succeed(ids[0])
	h.tick()
	if h.segment(ids[1]).Status != model.SegmentStatusGenerating {
		t.Errorf("second segment should take the freed slot")
	}
	if h.limiter.InFlight() != 1 {
		t.Errorf("expected 1 slot held, got %d", h.limiter.InFlight())
	}
}

func TestDispatch_ConcurrentEnginesSubmitOnce(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchClaimTTL = time.Minute
	h := newHarness(t, cfg, NewMemoryLimiter(1, 0))
	ids := h.addSegments("p1", 2)
	job := h.requestRender("p1")
	h.sched.take()

	gen := newBlockingGenerator(h.gen)
	first := h.peer(cfg, gen, &recordingScheduler{})
	errc := make(chan error, 1)
	go func() { errc <- first.Dispatch(h.ctx, ids[0]) }()
	<-gen.entered

	if err := h.engine.Dispatch(h.ctx, ids[0]); err != nil {
		t.Fatalf("second Dispatch error: %v", err)
	}
	if got := h.gen.submitCount(ids[0]); got != 0 {
		t.Errorf("second engine submitted %d times while the segment was claimed", got)
	}
	if h.sched.pending() != 0 {
		t.Errorf("second engine scheduled %+v", h.sched.take())
	}

	close(gen.release)
	if err := <-errc; err != nil {
		t.Fatalf("first Dispatch error: %v", err)
	}

	seg := h.segment(ids[0])
	if seg.Status != model.SegmentStatusGenerating || seg.DispatchToken != "" {
		t.Errorf("expected generating without a claim, got %s token=%q", seg.Status, seg.DispatchToken)
	}
	if got := h.gen.submitCount(ids[0]); got != 1 {
		t.Errorf("expected 1 submit, got %d", got)
	}
	if h.limiter.InFlight() != 1 {
		t.Errorf("expected 1 slot held, got %d", h.limiter.InFlight())
	}
	ok, err := h.limiter.TryAcquire(h.ctx, job.ID, ids[1])
	if err != nil || ok {
		t.Errorf("per-job limit of 1 should be full, got ok=%v err=%v", ok, err)
	}
}

func TestDispatch_ExpiredClaimKeepsNewOwnersSlot(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchClaimTTL = time.Minute
	h := newHarness(t, cfg, NewMemoryLimiter(1, 0))
	ids := h.addSegments("p1", 2)
	job := h.requestRender("p1")
	h.sched.take()

	gen := newBlockingGenerator(h.gen)
	stale := h.peer(cfg, gen, &recordingScheduler{})
	errc := make(chan error, 1)
	go func() { errc <- stale.Dispatch(h.ctx, ids[0]) }()
	<-gen.entered

	// The stalled dispatcher's claim expires and this engine takes over.
	h.clock.Advance(2 * time.Minute)
	if err := h.engine.Dispatch(h.ctx, ids[0]); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if got := h.segment(ids[0]).Status; got != model.SegmentStatusGenerating {
		t.Fatalf("expected generating, got %s", got)
	}

	close(gen.release)
	if err := <-errc; err != nil {
		t.Fatalf("stale Dispatch error: %v", err)
	}

	seg := h.segment(ids[0])
	if seg.ExternalJobID != "h1-"+ids[0] {
		t.Errorf("expected the new owner's handle, got %q", seg.ExternalJobID)
	}
	if !h.gen.wasCancelled("h2-" + ids[0]) {
		t.Error("orphaned submission should be cancelled")
	}
	if h.limiter.InFlight() != 1 {
		t.Errorf("new owner should keep its slot, %d held", h.limiter.InFlight())
	}
	ok, err := h.limiter.TryAcquire(h.ctx, job.ID, ids[1])
	if err != nil || ok {
		t.Errorf("per-job limit of 1 should be full, got ok=%v err=%v", ok, err)
	}
}

func TestSweep(t *testing.T) {
	t.Run("timed out generation is polled", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		ids := h.addSegments("p1", 1)
		h.requestRender("p1")
		h.tick()
		// The poll chain is lost.
		h.sched.take()

		h.clock.Advance(5 * time.Minute)
		if err := h.engine.Sweep(h.ctx); err != nil {
			t.Fatalf("Sweep error: %v", err)
		}
		if h.sched.pending() != 0 {
			t.Fatalf("healthy generation should be left alone, got %+v", h.sched.take())
		}

		h.clock.Advance(6 * time.Minute)
		if err := h.engine.Sweep(h.ctx); err != nil {
			t.Fatalf("Sweep error: %v", err)
		}
		if delays := h.sched.delays("poll", ids[0]); len(delays) != 2 || delays[1] != 0 {
			t.Fatalf("expected an immediate poll, got %v", delays)
		}
		h.tick()
		if got := h.segment(ids[0]).Status; got == model.SegmentStatusGenerating {
			t.Error("timed out segment should have left generating")
		}
		h.checkSegments("p1")
	})

	t.Run("abandoned claim is dispatched again", func(t *testing.T) {
		cfg := testConfig()
		cfg.DispatchClaimTTL = time.Minute
		h := newHarness(t, cfg, nil)
		ids := h.addSegments("p1", 1)
		h.requestRender("p1")
		h.sched.take()

		_, err := h.store.UpdateSegment(h.ctx, ids[0], store.Segments(model.SegmentStatusPending), func(s *model.Segment) error {
			s.ClaimDispatch("crashed-dispatcher", h.clock.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateSegment error: %v", err)
		}

		if err := h.engine.Sweep(h.ctx); err != nil {
			t.Fatalf("Sweep error: %v", err)
		}
		if h.sched.pending() != 0 {
			t.Fatalf("live claim should be left alone, got %+v", h.sched.take())
		}
		if err := h.engine.Dispatch(h.ctx, ids[0]); err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
		if h.gen.submitCount(ids[0]) != 0 {
			t.Fatal("dispatch should respect the live claim")
		}

		h.clock.Advance(2 * time.Minute)
		if err := h.engine.Sweep(h.ctx); err != nil {
			t.Fatalf("Sweep error: %v", err)
		}
		if delays := h.sched.delays("dispatch", ids[0]); len(delays) != 2 || delays[1] != 0 {
			t.Fatalf("expected an immediate dispatch, got %v", delays)
		}
		h.tick()
		seg := h.segment(ids[0])
		if seg.Status != model.SegmentStatusGenerating || seg.DispatchToken != "" {
			t.Errorf("expected generating without a claim, got %s token=%q", seg.Status, seg.DispatchToken)
		}
		if h.gen.submitCount(ids[0]) != 1 {
			t.Errorf("expected 1 submit, got %d", h.gen.submitCount(ids[0]))
		}
	})
}

func TestRequestRender_ReusesCompletedSegments(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 2)
	for _, id := range ids {
		h.gen.succeed(id)
	}
	h.requestRender("p1")
	h.drain()

	second := h.requestRender("p1")
	if second.SegmentsCompleted != 2 {
		t.Errorf("expected reused progress 2, got %d", second.SegmentsCompleted)
	}
	h.drain()

	if got := h.job(second.ID); got.Status != model.RenderJobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	for _, id := range ids {
		if n := h.gen.submitCount(id); n != 1 {
			t.Errorf("segment %s submitted %d times", id, n)
		}
	}

	jobs, err := h.engine.ListRenderJobs(h.ctx, "p1")
	if err != nil {
		t.Fatalf("ListRenderJobs error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestRetrySegment(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	h.gen.fail(ids[0], client.FailureKindInvalidParameters)
	h.requestRender("p1")
	h.drain()

	seg, err := h.engine.RetrySegment(h.ctx, ids[0])
	if err != nil {
		t.Fatalf("RetrySegment error: %v", err)
	}
	if seg.Status != model.SegmentStatusPending || seg.ErrorCode != nil || seg.ErrorMessage != nil {
		t.Errorf("unexpected retried segment: %+v", seg)
	}
	if seg.Attempts != 1 {
		t.Errorf("attempts should be kept, got %d", seg.Attempts)
	}
	if h.sched.pending() != 0 {
		t.Errorf("no dispatch expected while the job is failed")
	}

	if _, err := h.engine.RetrySegment(h.ctx, ids[0]); !errors.Is(err, ErrSegmentNotFailed) {
		t.Errorf("expected ErrSegmentNotFailed, got %v", err)
	}

	h.gen.succeed(ids[0])
	job := h.requestRender("p1")
	h.drain()
	if got := h.job(job.ID); got.Status != model.RenderJobStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestCancelRenderJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	job := h.requestRender("p1")
	h.tick()
	handle := h.segment(ids[0]).ExternalJobID

	cancelled, err := h.engine.CancelRenderJob(h.ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelRenderJob error: %v", err)
	}
	if cancelled.Status != model.RenderJobStatusFailed || *cancelled.ErrorCode != model.ErrorCodeCancelled {
		t.Errorf("cancelled job: status=%s code=%v", cancelled.Status, cancelled.ErrorCode)
	}
	if !h.gen.wasCancelled(handle) {
		t.Errorf("expected backend job to be cancelled")
	}

	h.drain()
	if got := h.job(job.ID); *got.ErrorCode != model.ErrorCodeCancelled {
		t.Errorf("job error changed to %s", *got.ErrorCode)
	}
	if h.segment(ids[0]).Status != model.SegmentStatusFailed {
		t.Errorf("segment should settle as failed")
	}

	if _, err := h.engine.CancelRenderJob(h.ctx, job.ID); !errors.Is(err, ErrJobNotActive) {
		t.Errorf("expected ErrJobNotActive, got %v", err)
	}
}

func TestComposite_FailureFailsJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := h.addSegments("p1", 1)
	h.gen.succeed(ids[0])
	h.muxer.err = errors.New("ffmpeg exited with status 1")

	job := h.requestRender("p1")
	h.drain()

	got := h.job(job.ID)
	if got.Status != model.RenderJobStatusFailed || *got.ErrorCode != model.ErrorCodeCompositing {
		t.Fatalf("job: status=%s code=%v", got.Status, got.ErrorCode)
	}
	if got.FinalAssetRef != nil {
		t.Errorf("failed job must not have a final asset")
	}
	if h.segment(ids[0]).Status != model.SegmentStatusCompleted {
		t.Errorf("segment should stay completed")
	}
}

func TestResume(t *testing.T) {
	t.Run("in-flight segment is polled again", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		ids := h.addSegments("p1", 1)
		h.requestRender("p1")
		h.tick()

		restarted := &recordingScheduler{}
		limiter := NewMemoryLimiter(0, 0)
		e := New(testConfig(), Deps{
			Store:     h.store,
			Generator: h.gen,
			Muxer:     h.muxer,
			Limiter:   limiter,
			Scheduler: restarted,
			Logger:    zerolog.Nop(),
		})
		if err := e.Resume(h.ctx); err != nil {
			t.Fatalf("Resume error: %v", err)
		}
		if len(restarted.delays("poll", ids[0])) != 1 {
			t.Errorf("expected a poll to be scheduled, got %+v", restarted.history)
		}
		if limiter.InFlight() != 1 {
			t.Errorf("expected the slot to be retaken")
		}
	})

	t.Run("in-flight segment without a free slot is still polled", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		ids := h.addSegments("p1", 1)
		h.requestRender("p1")
		h.tick()

		limiter := NewMemoryLimiter(0, 1)
		if ok, _ := limiter.TryAcquire(h.ctx, "other-job", "other-seg"); !ok {
			t.Fatal("expected to fill the global slot")
		}
		var logs bytes.Buffer
		restarted := &recordingScheduler{}
		e := New(testConfig(), Deps{
			Store:     h.store,
			Generator: h.gen,
			Muxer:     h.muxer,
			Limiter:   limiter,
			Scheduler: restarted,
			Logger:    zerolog.New(&logs),
		})
		if err := e.Resume(h.ctx); err != nil {
			t.Fatalf("Resume error: %v", err)
		}
		if len(restarted.delays("poll", ids[0])) != 1 {
			t.Errorf("expected a poll to be scheduled, got %+v", restarted.history)
		}
		if !strings.Contains(logs.String(), "without a dispatch slot") {
			t.Errorf("expected a warning about the missing slot, got %s", logs.String())
		}
	})

	t.Run("pending job is started", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		ids := h.addSegments("p1", 2)
		job := &model.RenderJob{
			ID:            "job-1",
			ProjectID:     "p1",
			SegmentIDs:    ids,
			SegmentsTotal: 2,
			Status:        model.RenderJobStatusPending,
		}
		if err := h.store.CreateRenderJob(h.ctx, job); err != nil {
			t.Fatalf("CreateRenderJob error: %v", err)
		}

		if err := h.engine.Resume(h.ctx); err != nil {
			t.Fatalf("Resume error: %v", err)
		}
		if got := h.job("job-1"); got.Status != model.RenderJobStatusProcessing {
			t.Errorf("expected processing, got %s", got.Status)
		}
		for _, id := range ids {
			if h.segment(id).RenderJobID != "job-1" {
				t.Errorf("segment %s not claimed", id)
			}
			if len(h.sched.delays("dispatch", id)) != 1 {
				t.Errorf("segment %s not scheduled", id)
			}
		}
	})

	t.Run("compositing job is composited", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		ids := h.addSegments("p1", 1)
		h.gen.succeed(ids[0])
		job := h.requestRender("p1")
		h.tick()
		h.tick()
		h.sched.take()

		if err := h.engine.Resume(h.ctx); err != nil {
			t.Fatalf("Resume error: %v", err)
		}
		h.drain()
		if got := h.job(job.ID); got.Status != model.RenderJobStatusCompleted {
			t.Errorf("expected completed, got %s", got.Status)
		}
	})
}

func TestConfigBackoff(t *testing.T) {
	cfg := Config{RetryBaseDelay: 5 * time.Second, RetryMaxDelay: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected exclusive access, saw %d holders", maxActive)
	}
	if len(k.locks) != 0 {
		t.Errorf("expected idle keys to be dropped, %d left", len(k.locks))
	}
}
