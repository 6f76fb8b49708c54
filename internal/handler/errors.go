package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/videofoundry/api/internal/engine"
	"github.com/videofoundry/api/internal/service"
	"github.com/videofoundry/api/internal/store"
	"github.com/videofoundry/api/pkg/response"
)

// serviceError maps domain errors to HTTP responses.
func serviceError(c *fiber.Ctx, err error, notFound string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, notFound)
	case errors.Is(err, engine.ErrRenderInProgress),
		errors.Is(err, engine.ErrSegmentNotFailed),
		errors.Is(err, engine.ErrJobNotActive),
		errors.Is(err, service.ErrSegmentLocked),
		errors.Is(err, service.ErrOrderIndexTaken):
		return response.Conflict(c, err.Error())
	case errors.Is(err, engine.ErrNoSegments),
		errors.Is(err, service.ErrInvalidModelParams):
		return response.ValidationError(c, err.Error(), nil)
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
