package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/internal/service"
	"github.com/videofoundry/api/pkg/response"
)

type SegmentHandler struct {
	service   *service.SegmentService
	validator *validator.Validate
}

func NewSegmentHandler(svc *service.SegmentService, v *validator.Validate) *SegmentHandler {
	return &SegmentHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/projects/:projectId/segments
// @Summary      Add segment
// @Description  Add a prompt-driven segment at a position in the project
// @Tags         Segments
// @Accept       json
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        request body model.CreateSegmentRequest true "Segment"
// @Success      201 {object} model.SegmentResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{projectId}/segments [post]
func (h *SegmentHandler) Create(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	var req model.CreateSegmentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Create(c.UserContext(), projectID, &req)
	if err != nil {
		return serviceError(c, err, "Project not found")
	}

	return response.Created(c, result)
}

// List handles GET /api/projects/:projectId/segments
// @Summary      List segments
// @Description  List a project's segments in render order
// @Tags         Segments
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {array} model.SegmentResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{projectId}/segments [get]
func (h *SegmentHandler) List(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	result, err := h.service.List(c.UserContext(), projectID)
	if err != nil {
		return serviceError(c, err, "Project not found")
	}

	return response.OK(c, result)
}

// Get handles GET /api/segments/:segmentId
// @Summary      Get segment
// @Tags         Segments
// @Produce      json
// @Param        segmentId path string true "Segment ID"
// @Success      200 {object} model.SegmentResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/segments/{segmentId} [get]
func (h *SegmentHandler) Get(c *fiber.Ctx) error {
	result, err := h.service.Get(c.UserContext(), c.Params("segmentId"))
	if err != nil {
		return serviceError(c, err, "Segment not found")
	}

	return response.OK(c, result)
}

// Update handles PUT /api/segments/:segmentId
// @Summary      Edit segment
// @Description  Edit a segment's prompt, params or position. A new prompt or new params send a completed segment back to pending.
// @Tags         Segments
// @Accept       json
// @Produce      json
// @Param        segmentId path string true "Segment ID"
// @Param        request body model.UpdateSegmentRequest true "Changes"
// @Success      200 {object} model.SegmentResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/segments/{segmentId} [put]
func (h *SegmentHandler) Update(c *fiber.Ctx) error {
	var req model.UpdateSegmentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Update(c.UserContext(), c.Params("segmentId"), &req)
	if err != nil {
		return serviceError(c, err, "Segment not found")
	}

	return response.OK(c, result)
}

// Delete handles DELETE /api/segments/:segmentId
// @Summary      Delete segment
// @Tags         Segments
// @Param        segmentId path string true "Segment ID"
// @Success      204
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/segments/{segmentId} [delete]
func (h *SegmentHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), c.Params("segmentId")); err != nil {
		return serviceError(c, err, "Segment not found")
	}

	return response.NoContent(c)
}
