package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/http/middleware"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a standardized JSON error response without leaking internal errors.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorPayload{
		RequestID: middleware.RequestIDFrom(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	})
}

// accessDenied is the only answer a token holder gets for any unusable token,
// so the reason (expired, revoked, ...) never reaches the caller.
func accessDenied(c *fiber.Ctx) error {
	return writeError(c, fiber.StatusForbidden, "ACCESS_DENIED", "access denied")
}

// respondError maps a core error to the envelope. Errors without a kind are
// logged and reported as INTERNAL_ERROR.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	switch apperror.KindOf(err) {
	case apperror.KindInvalidToken:
		return accessDenied(c)
	case apperror.KindNotFound:
		return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "resource not found")
	case apperror.KindInvalidArgument:
		msg := apperror.ReasonOf(err)
		if msg == "" {
			msg = "invalid argument"
		}
		return writeError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", msg)
	case apperror.KindInvalidTransition:
		return writeError(c, fiber.StatusConflict, "INVALID_TRANSITION", "dataset is not in a state that allows this operation")
	case apperror.KindTransferInProgress:
		return writeError(c, fiber.StatusConflict, "TRANSFER_IN_PROGRESS", "a transfer is already in progress")
	case apperror.KindTransferFailure:
		return writeError(c, fiber.StatusBadGateway, "TRANSFER_FAILED", "transfer network unavailable")
	}
	log.Error("request failed",
		zap.String("event", "http_internal_error"),
		zap.String("request_id", middleware.RequestIDFrom(c)),
		zap.String("route", c.Route().Path),
		zap.Error(err),
	)
	return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}

		switch status {
		case fiber.StatusBadRequest:
			return writeError(c, status, "BAD_REQUEST", "bad request")
		case fiber.StatusUnauthorized:
			return writeError(c, status, "UNAUTHORIZED", "authentication required")
		case fiber.StatusNotFound:
			return writeError(c, status, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, status, "METHOD_NOT_ALLOWED", "method not allowed")
		case fiber.StatusRequestEntityTooLarge:
			return writeError(c, status, "PAYLOAD_TOO_LARGE", "payload too large")
		default:
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
	}
}
