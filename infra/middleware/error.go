package middleware

import (
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/response"
)

// ErrorHandler is the fiber-level error sink. Handlers return errors
// from the apperr taxonomy; everything else surfaces as a bare 500.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		if fe, ok := err.(*fiber.Error); ok {
			return response.Error(c, fe.Code, apperr.CodeBadRequest, fe.Message)
		}

		appErr := apperr.AsAppError(err)
		log := logger.WithField("request_id", requestID).
			WithField("error_code", appErr.Code).
			WithError(appErr.Err)
		if appErr.Status >= 500 {
			log.Error("request failed: %s", appErr.Message)
		} else {
			log.Warn("client error: %s", appErr.Message)
		}
		return response.AppError(c, err)
	}
}

// RequestID tags each request, generating an id when the caller did
// not supply one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs each request with its outcome and latency.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID, _ := c.Locals("request_id").(string)

		err := c.Next()

		fields := map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"ip":          c.IP(),
		}
		if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
			fields["user_id"] = userID
		}
		log := logger.WithFields(fields)

		status := c.Response().StatusCode()
		switch {
		case status >= 500:
			log.Error("%s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("%s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("%s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}

// Recover converts a handler panic into a logged 500.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      r,
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("panic recovered")
				_ = response.Error(c, fiber.StatusInternalServerError,
					apperr.CodeInternalError, "internal server error")
			}
		}()
		return c.Next()
	}
}
