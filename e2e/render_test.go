package e2e

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/engine"
	"github.com/videofoundry/api/internal/media"
	"github.com/videofoundry/api/internal/model"
)

func readAsset(t *testing.T, ta *testApp, key string) string {
	t.Helper()
	rc, err := ta.storage.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("failed to open %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	return string(data)
}

func listSegments(t *testing.T, ta *testApp, projectID string) []model.SegmentResponse {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/projects/"+projectID+"/segments", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var segs []model.SegmentResponse
	decodeBody(t, resp, &segs)
	return segs
}

func TestRender_FullFlow(t *testing.T) {
	ta := setupApp(t, appOptions{})

	// Created out of order on purpose, the render follows order_index.
	second := addSegment(t, ta, "p1", 1, "a boat leaves the harbour")
	first := addSegment(t, ta, "p1", 0, "a harbour at dawn")

	job := startRender(t, ta, "p1")
	if job.SegmentsTotal != 2 {
		t.Fatalf("expected 2 segments in snapshot, got %d", job.SegmentsTotal)
	}

	done := waitForJob(t, ta, job.ID, 10*time.Second)
	if done.Status != model.RenderJobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", done.Status, done.ErrorMessage)
	}
	if done.ProgressPercentage != 100 || done.SegmentsCompleted != 2 {
		t.Errorf("unexpected progress: %d/%d %.0f%%", done.SegmentsCompleted, done.SegmentsTotal, done.ProgressPercentage)
	}
	finalKey := "renders/p1/" + job.ID + ".mp4"
	if done.FinalURL == nil || *done.FinalURL != "https://cdn.test/"+finalKey {
		t.Errorf("unexpected final url %v", done.FinalURL)
	}

	final := readAsset(t, ta, finalKey)
	lines := strings.Split(strings.TrimSpace(final), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], first.Prompt) || !strings.HasSuffix(lines[1], second.Prompt) {
		t.Errorf("final render not in order_index order:\n%s", final)
	}

	for _, seg := range listSegments(t, ta, "p1") {
		if seg.Status != model.SegmentStatusCompleted || seg.Attempts != 1 {
			t.Errorf("segment %s: status=%s attempts=%d", seg.ID, seg.Status, seg.Attempts)
		}
		if seg.AssetURL == nil || *seg.AssetURL != "https://cdn.test/segments/p1/"+seg.ID+".mp4" {
			t.Errorf("segment %s: unexpected asset url %v", seg.ID, seg.AssetURL)
		}
	}
}

func TestRender_ReusesCompletedSegments(t *testing.T) {
	ta := setupApp(t, appOptions{})

	first := addSegment(t, ta, "p1", 0, "one")
	addSegment(t, ta, "p1", 1, "two")
	waitForJob(t, ta, startRender(t, ta, "p1").ID, 10*time.Second)

	// Nothing changed, so the second render only composites.
	again := waitForJob(t, ta, startRender(t, ta, "p1").ID, 10*time.Second)
	if again.Status != model.RenderJobStatusCompleted {
		t.Fatalf("expected completed job, got %s", again.Status)
	}
	for _, seg := range listSegments(t, ta, "p1") {
		if seg.Attempts != 1 {
			t.Errorf("segment %s regenerated: attempts=%d", seg.ID, seg.Attempts)
		}
	}

	// A new prompt regenerates only that segment.
	resp, err := doAuthRequest(t, ta.app, http.MethodPut, "/api/segments/"+first.ID, `{"prompt":"one, at night"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	third := waitForJob(t, ta, startRender(t, ta, "p1").ID, 10*time.Second)
	if third.Status != model.RenderJobStatusCompleted {
		t.Fatalf("expected completed job, got %s", third.Status)
	}
	if final := readAsset(t, ta, "renders/p1/"+third.ID+".mp4"); !strings.Contains(final, "one, at night") {
		t.Errorf("final render misses the edited segment:\n%s", final)
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/projects/p1/render-jobs", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var jobs []model.RenderJobResponse
	decodeBody(t, resp, &jobs)
	if len(jobs) != 3 || jobs[0].ID != third.ID {
		t.Errorf("expected 3 jobs newest first, got %d", len(jobs))
	}
}

func TestRender_FailedSegmentFailsJob(t *testing.T) {
	ta := setupApp(t, appOptions{failRate: 1})

	seg := addSegment(t, ta, "p1", 0, "doomed")
	done := waitForJob(t, ta, startRender(t, ta, "p1").ID, 10*time.Second)
	if done.Status != model.RenderJobStatusFailed {
		t.Fatalf("expected failed job, got %s", done.Status)
	}
	if done.ErrorCode == nil || done.Guidance == nil {
		t.Errorf("expected error code and guidance, got %+v", done)
	}

	segs := listSegments(t, ta, "p1")
	if len(segs) != 1 || segs[0].Status != model.SegmentStatusFailed || segs[0].ErrorCode == nil {
		t.Fatalf("unexpected segments: %+v", segs)
	}
	if segs[0].AssetURL != nil {
		t.Error("failed segment must not carry an asset")
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/segments/"+seg.ID+"/retry", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	var retried model.SegmentResponse
	decodeBody(t, resp, &retried)
	if retried.Status != model.SegmentStatusPending || retried.ErrorCode != nil {
		t.Errorf("unexpected retried segment: %+v", retried)
	}
}

func TestRender_CancelThroughAPI(t *testing.T) {
	// Steps are never run, so the job stays in flight until cancelled.
	ta := setupApp(t, appOptions{scheduler: idleScheduler{}})

	addSegment(t, ta, "p1", 0, "slow")
	job := startRender(t, ta, "p1")

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/projects/p1/render", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/render-jobs/"+job.ID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	done := waitForJob(t, ta, job.ID, time.Second)
	if done.Status != model.RenderJobStatusFailed || done.ErrorCode == nil || *done.ErrorCode != model.ErrorCodeCancelled {
		t.Errorf("unexpected cancelled job: %+v", done)
	}

	// The project can render again.
	startRender(t, ta, "p1")
}

func TestRender_SingleClipWithFFmpegMuxer(t *testing.T) {
	workDir := t.TempDir()
	ta := setupApp(t, appOptions{
		newMuxer: func(storage client.StorageClient) engine.Muxer {
			return media.NewFFmpegMuxer(storage, "", workDir, zerolog.Nop())
		},
	})

	addSegment(t, ta, "p1", 0, "the only shot")
	done := waitForJob(t, ta, startRender(t, ta, "p1").ID, 10*time.Second)
	if done.Status != model.RenderJobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", done.Status, done.ErrorMessage)
	}
	if final := readAsset(t, ta, "renders/p1/"+done.ID+".mp4"); !strings.Contains(final, "the only shot") {
		t.Errorf("unexpected final render %q", final)
	}
}

type idleScheduler struct{}

func (idleScheduler) ScheduleDispatch(context.Context, string, time.Duration) error  { return nil }
func (idleScheduler) SchedulePoll(context.Context, string, time.Duration) error      { return nil }
func (idleScheduler) ScheduleComposite(context.Context, string, time.Duration) error { return nil }
