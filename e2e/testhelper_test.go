package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/videofoundry/api/internal/auth"
	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/engine"
	"github.com/videofoundry/api/internal/handler"
	"github.com/videofoundry/api/internal/middleware"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/service"
	"github.com/videofoundry/api/internal/store"
	"github.com/videofoundry/api/internal/websocket"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	engine  *engine.Engine
	storage *client.FileStore
	store   store.Store
}

// appOptions override parts of the default wiring.
type appOptions struct {
	scheduler engine.Scheduler
	newMuxer  func(client.StorageClient) engine.Muxer
	failRate  float64
}

// timerScheduler runs engine steps in-process after their delay.
type timerScheduler struct {
	engine *engine.Engine
}

func (s *timerScheduler) ScheduleDispatch(_ context.Context, segmentID string, delay time.Duration) error {
	time.AfterFunc(delay, func() { s.engine.Dispatch(context.Background(), segmentID) })
	return nil
}

func (s *timerScheduler) SchedulePoll(_ context.Context, segmentID string, delay time.Duration) error {
	time.AfterFunc(delay, func() { s.engine.Poll(context.Background(), segmentID) })
	return nil
}

func (s *timerScheduler) ScheduleComposite(_ context.Context, renderJobID string, delay time.Duration) error {
	time.AfterFunc(delay, func() { s.engine.Composite(context.Background(), renderJobID) })
	return nil
}

// catMuxer joins clips by concatenating their bytes, standing in for ffmpeg.
type catMuxer struct {
	storage client.StorageClient
}

func (m catMuxer) Concat(ctx context.Context, refs []string, outputKey string) (string, error) {
	var buf bytes.Buffer
	for _, ref := range refs {
		rc, err := m.storage.Open(ctx, ref)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(&buf, rc)
		rc.Close()
		if err != nil {
			return "", err
		}
	}
	return m.storage.Upload(ctx, outputKey, &buf, "video/mp4")
}

func testEngineConfig() engine.Config {
	return engine.Config{
		MaxAttempts:       3,
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxDelay:     50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		MaxPollFailures:   3,
		GenerationTimeout: time.Minute,
		SlotWait:          10 * time.Millisecond,
	}
}

// setupApp creates a Fiber app wired like main.go, on in-memory state, local
// storage and the mock generation backend.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	st := store.NewMemoryStore()
	files, err := client.NewFileStore(t.TempDir(), "https://cdn.test")
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	router := client.NewRouter("mock")
	router.Register("mock", client.NewMockGenerator(0, opts.failRate))

	var muxer engine.Muxer = catMuxer{storage: files}
	if opts.newMuxer != nil {
		muxer = opts.newMuxer(files)
	}

	hub := websocket.NewHub(files.GetPublicURL, zerolog.Nop())
	go hub.Run()

	timers := &timerScheduler{}
	scheduler := opts.scheduler
	if scheduler == nil {
		scheduler = timers
	}

	e := engine.New(testEngineConfig(), engine.Deps{
		Store:     st,
		Generator: router,
		Storage:   files,
		Muxer:     muxer,
		Limiter:   engine.NewMemoryLimiter(2, 4),
		Scheduler: scheduler,
		Notifier:  hub,
		Logger:    zerolog.Nop(),
	})
	timers.engine = e

	authenticator := auth.NewAuthenticator(nil, testJWTSecret)
	segmentHandler := handler.NewSegmentHandler(service.NewSegmentService(st, files.GetPublicURL, zerolog.Nop()), validator.New())
	renderHandler := handler.NewRenderHandler(service.NewRenderService(e, files.GetPublicURL), hub)
	authHandler := handler.NewAuthHandler(authenticator)

	app := fiber.New()
	healthHandler := handler.NewHealthHandler(fiber.Map{
		"store":   "memory",
		"storage": "local",
		"auth":    authenticator.Configured(),
	}, router, nil)
	app.Get("/health", healthHandler.Check)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", middleware.Authenticate(authenticator))

	projects := api.Group("/projects/:projectId")
	projects.Post("/segments", segmentHandler.Create)
	projects.Get("/segments", segmentHandler.List)
	projects.Post("/render", renderHandler.Start)
	projects.Get("/render-jobs", renderHandler.List)

	segments := api.Group("/segments/:segmentId")
	segments.Get("", segmentHandler.Get)
	segments.Put("", segmentHandler.Update)
	segments.Delete("", segmentHandler.Delete)
	segments.Post("/retry", renderHandler.RetrySegment)

	renderJobs := api.Group("/render-jobs/:renderJobId")
	renderJobs.Get("", renderHandler.Status)
	renderJobs.Post("/cancel", renderHandler.Cancel)

	return &testApp{app: app, engine: e, storage: files, store: st}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	decodeBody(t, resp, &result)
	return result
}

// decodeBody parses the response body into v.
func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// addSegment creates a segment through the API.
func addSegment(t *testing.T, ta *testApp, projectID string, order int, prompt string) model.SegmentResponse {
	t.Helper()
	body := fmt.Sprintf(`{"orderIndex":%d,"prompt":%q}`, order, prompt)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/projects/"+projectID+"/segments", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create segment: expected 201, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var seg model.SegmentResponse
	decodeBody(t, resp, &seg)
	return seg
}

// startRender requests a render through the API.
func startRender(t *testing.T, ta *testApp, projectID string) model.RenderJobResponse {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/projects/"+projectID+"/render", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start render: expected 201, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var job model.RenderJobResponse
	decodeBody(t, resp, &job)
	return job
}

// waitForJob polls the status endpoint until the job is completed or failed.
func waitForJob(t *testing.T, ta *testApp, jobID string, timeout time.Duration) model.RenderJobResponse {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/render-jobs/"+jobID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		var job model.RenderJobResponse
		decodeBody(t, resp, &job)
		if job.Status == model.RenderJobStatusCompleted || job.Status == model.RenderJobStatusFailed {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("render job %s still %s after %s", jobID, job.Status, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
