package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/service"
	"github.com/videofoundry/api/pkg/response"
)

const renderJobLocal = "renderJob"

// JobStreamer pushes a render job's live events over a WebSocket.
type JobStreamer interface {
	HandleConnection(c *websocket.Conn, job *model.RenderJob)
}

type RenderHandler struct {
	service  *service.RenderService
	streamer JobStreamer
}

func NewRenderHandler(svc *service.RenderService, streamer JobStreamer) *RenderHandler {
	return &RenderHandler{
		service:  svc,
		streamer: streamer,
	}
}

// Start handles POST /api/projects/:projectId/render
// @Summary      Start render job
// @Description  Snapshot the project's segments and generate, then composite them into one video
// @Tags         Render
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      201 {object} model.RenderJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{projectId}/render [post]
func (h *RenderHandler) Start(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	result, err := h.service.StartRender(c.UserContext(), projectID)
	if err != nil {
		return serviceError(c, err, "Project not found")
	}

	return response.Created(c, result)
}

// List handles GET /api/projects/:projectId/render-jobs
// @Summary      List render jobs
// @Description  List a project's render jobs, newest first
// @Tags         Render
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {array} model.RenderJobResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{projectId}/render-jobs [get]
func (h *RenderHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListRenderJobs(c.UserContext(), c.Params("projectId"))
	if err != nil {
		return serviceError(c, err, "Project not found")
	}

	return response.OK(c, result)
}

// Status handles GET /api/render-jobs/:renderJobId
// @Summary      Get render job status
// @Description  Get the current status and progress of a render job
// @Tags         Render
// @Produce      json
// @Param        renderJobId path string true "Render job ID"
// @Success      200 {object} model.RenderJobResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/render-jobs/{renderJobId} [get]
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetRenderJob(c.UserContext(), c.Params("renderJobId"))
	if err != nil {
		return serviceError(c, err, "Render job not found")
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/render-jobs/:renderJobId/cancel
// @Summary      Cancel render job
// @Description  Cancel a pending or running render job
// @Tags         Render
// @Produce      json
// @Param        renderJobId path string true "Render job ID"
// @Success      200 {object} model.RenderCancelResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/render-jobs/{renderJobId}/cancel [post]
func (h *RenderHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.CancelRender(c.UserContext(), c.Params("renderJobId"))
	if err != nil {
		return serviceError(c, err, "Render job not found")
	}

	return response.OK(c, result)
}

// RetrySegment handles POST /api/segments/:segmentId/retry
// @Summary      Retry failed segment
// @Description  Send a failed segment back to generation, ignoring the retry budget once
// @Tags         Render
// @Produce      json
// @Param        segmentId path string true "Segment ID"
// @Success      200 {object} model.SegmentResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/segments/{segmentId}/retry [post]
func (h *RenderHandler) RetrySegment(c *fiber.Ctx) error {
	result, err := h.service.RetrySegment(c.UserContext(), c.Params("segmentId"))
	if err != nil {
		return serviceError(c, err, "Segment not found")
	}

	return response.OK(c, result)
}

// UpgradeStream only lets WebSocket upgrades for existing render jobs through.
func (h *RenderHandler) UpgradeStream(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	job, err := h.service.RenderJob(c.UserContext(), c.Params("renderJobId"))
	if err != nil {
		return serviceError(c, err, "Render job not found")
	}
	c.Locals(renderJobLocal, job)
	return c.Next()
}

// Stream handles GET /ws/render-jobs/:renderJobId
func (h *RenderHandler) Stream(c *websocket.Conn) {
	job, ok := c.Locals(renderJobLocal).(*model.RenderJob)
	if !ok {
		c.Close()
		return
	}
	h.streamer.HandleConnection(c, job)
}
