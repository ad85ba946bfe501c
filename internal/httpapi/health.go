package httpapi

import "github.com/gofiber/fiber/v2"

// ReadinessChecker reports whether the process is ready to serve traffic.
// internal/bootstrap wires this to the scheduler's State() and a DB ping.
type ReadinessChecker func() error

// healthHandler serves the liveness/readiness pair SPEC_FULL.md §4.9 adds,
// mirroring every teacher component's health endpoint.
type healthHandler struct {
	ready ReadinessChecker
}

// Live always reports 200: the process is up and handling requests.
func (h *healthHandler) Live(c *fiber.Ctx) error {
	return writeJSON(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}

// Ready reports 200 once h.ready returns nil, 503 otherwise.
func (h *healthHandler) Ready(c *fiber.Ctx) error {
	if h.ready == nil {
		return writeJSON(c, fiber.StatusOK, fiber.Map{"status": "ok"})
	}

	if err := h.ready(); err != nil {
		return writeJSON(c, fiber.StatusServiceUnavailable, fiber.Map{"status": "not ready", "reason": err.Error()})
	}

	return writeJSON(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}
