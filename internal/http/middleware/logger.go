package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"datagate/internal/logging"
)

// Logger writes one access log line per request with request_id, method,
// path, status and latency (milliseconds). Token path segments are logged as
// the route pattern so capabilities never reach the logs.
func Logger(log *zap.Logger) fiber.Handler {
	log = logging.Component(log, "http")

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		log.Info("request",
			zap.String("event", "http_request"),
			zap.String("request_id", RequestIDFrom(c)),
			zap.String("method", c.Method()),
			zap.String("path", logPath(c)),
			zap.Int("status", status),
			zap.Float64("latency", float64(time.Since(start).Microseconds())/1000),
		)
		return err
	}
}

func logPath(c *fiber.Ctx) string {
	if p := c.Route().Path; p != "" && p != "/" {
		for _, param := range c.Route().Params {
			if param == "token" {
				return p
			}
		}
	}
	return c.Path()
}
