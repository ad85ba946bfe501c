package httpapi

import (
	"strconv"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/pkg/correlation"
	"github.com/debdevops/servicehub/pkg/problem"
	"github.com/gofiber/fiber/v2"
)

// writeError maps err to an RFC 7807 problem-details body and writes it,
// translating gateway.Error first since the gateway layer has its own typed
// error taxonomy distinct from apperr.
func writeError(c *fiber.Ctx, err error) error {
	if gwErr, ok := err.(*gateway.Error); ok {
		err = translateGatewayErr(gwErr)
	}

	traceID := correlation.FromContext(c.UserContext())
	details := problem.FromError(err, traceID)

	return c.Status(details.Status).JSON(details)
}

// translateGatewayErr maps a BrokerGateway error kind onto the apperr
// taxonomy so it flows through the same problem-details mapping as every
// other component.
func translateGatewayErr(err *gateway.Error) error {
	switch err.Kind {
	case gateway.KindNotFound:
		return apperr.Wrap(apperr.KindNotFound, "broker_entity_not_found", err.Error(), err)
	case gateway.KindUnauthorized:
		return apperr.Wrap(apperr.KindUnauthorized, "broker_unauthorized", err.Error(), err)
	case gateway.KindTimeout:
		return apperr.Wrap(apperr.KindTimeout, "broker_timeout", err.Error(), err)
	case gateway.KindQuotaExceeded:
		return apperr.Wrap(apperr.KindRateLimited, "broker_quota_exceeded", err.Error(), err)
	default:
		return apperr.Wrap(apperr.KindExternalService, "broker_call_failed", err.Error(), err)
	}
}

// writeJSON writes body with status, tolerating fiber's own marshal error by
// returning it to the caller unchanged.
func writeJSON(c *fiber.Ctx, status int, body any) error {
	return c.Status(status).JSON(body)
}

// writePaged writes body and sets the pagination headers spec.md §6
// requires on every paginated list response.
func writePaged(c *fiber.Ctx, body any, totalCount int64, pageNumber, pageSize int) error {
	c.Set("X-Total-Count", strconv.FormatInt(totalCount, 10))
	c.Set("X-Page-Number", strconv.Itoa(pageNumber))
	c.Set("X-Page-Size", strconv.Itoa(pageSize))

	return c.Status(fiber.StatusOK).JSON(body)
}

// queryIntDefault parses the query parameter key as an int, falling back to
// def on absence or parse failure.
func queryIntDefault(c *fiber.Ctx, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}

	return v
}

func queryBool(c *fiber.Ctx, key string) bool {
	raw := c.Query(key)
	return raw == "true" || raw == "1"
}
