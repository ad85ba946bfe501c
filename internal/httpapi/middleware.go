package httpapi

import (
	"time"

	"github.com/debdevops/servicehub/pkg/correlation"
	"github.com/debdevops/servicehub/pkg/log"
	"github.com/gofiber/fiber/v2"
)

// withCorrelation reads X-Correlation-Id off the request, generating one if
// absent, threads it onto the request context, and echoes it back on the
// response, per spec.md §6.
func withCorrelation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(correlation.Header)
		if id == "" {
			id = correlation.New()
		}

		c.Set(correlation.Header, id)
		c.SetUserContext(correlation.ContextWith(c.UserContext(), id))

		return c.Next()
	}
}

// withLogging logs one line per request at Info, with the correlation id
// and elapsed time attached, matching the teacher's per-request
// logger.Infof(...) convention.
func withLogging(logger log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		entry := logger.WithFields(
			"correlationId", correlation.FromContext(c.UserContext()),
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"elapsedMs", time.Since(start).Milliseconds(),
		)

		if err != nil {
			entry.Warnf("request failed: %v", err)
		} else {
			entry.Info("request handled")
		}

		return err
	}
}
