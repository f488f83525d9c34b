package engine

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"crudforge/internal/apperr"
	"crudforge/internal/logger"
)

// ErrorHandler is the fiber error handler. AppErrors keep their status and
// code; fiber errors keep their status; anything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if appErr := apperr.From(err); appErr != nil {
		if appErr.Status >= fiber.StatusInternalServerError {
			logger.Ctx(c).WithError(err).Error("request failed")
		}
		return respondError(c, appErr)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return respondError(c, apperr.New(httpCode(fiberErr.Code), fiberErr.Code, fiberErr.Message))
	}

	logger.Ctx(c).WithError(err).Error("unhandled error")
	return respondError(c, apperr.New("INTERNAL_ERROR", fiber.StatusInternalServerError, "Internal server error"))
}

func respondError(c *fiber.Ctx, appErr *apperr.AppError) error {
	status := appErr.Status
	if status == 0 {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(apperr.ErrorResponse{Error: appErr})
}

func httpCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	}
	if status >= fiber.StatusInternalServerError {
		return "INTERNAL_ERROR"
	}
	return "HTTP_ERROR"
}
