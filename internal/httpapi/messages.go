package httpapi

import (
	"time"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/gofiber/fiber/v2"
)

// messageHandler serves the live-broker browsing/send/test-dead-letter
// routes under /namespaces/{id}/{queues|topics}/..., per spec.md §6.
type messageHandler struct {
	deps Dependencies
}

// defaultPeekTake is the peek page size used when the caller omits `take`.
const defaultPeekTake = 100

func (h *messageHandler) gatewayFor(c *fiber.Ctx) (gateway.BrokerGateway, error) {
	return h.deps.Gateways(c.UserContext(), c.Params("id"))
}

func (h *messageHandler) ListQueues(c *fiber.Ctx) error {
	gw, err := h.gatewayFor(c)
	if err != nil {
		return writeError(c, err)
	}

	summaries, err := gw.ListQueues(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, entitySummaryResponses(summaries))
}

func (h *messageHandler) ListTopics(c *fiber.Ctx) error {
	gw, err := h.gatewayFor(c)
	if err != nil {
		return writeError(c, err)
	}

	summaries, err := gw.ListTopics(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, entitySummaryResponses(summaries))
}

func (h *messageHandler) ListSubscriptions(c *fiber.Ctx) error {
	gw, err := h.gatewayFor(c)
	if err != nil {
		return writeError(c, err)
	}

	summaries, err := gw.ListSubscriptions(c.UserContext(), c.Params("topic"))
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, entitySummaryResponses(summaries))
}

func (h *messageHandler) send(c *fiber.Ctx, entity string) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err))
	}

	if req.BrokerMessageID == "" {
		return writeError(c, apperr.New(apperr.KindValidation, "missing_broker_message_id", "brokerMessageId is required"))
	}

	gw, err := h.gatewayFor(c)
	if err != nil {
		return writeError(c, err)
	}

	msg := gateway.Message{
		BrokerMessageID:       req.BrokerMessageID,
		EnqueuedAtUTC:         time.Now().UTC(),
		ContentType:           req.ContentType,
		Body:                  []byte(req.Body),
		ApplicationProperties: req.ApplicationProperties,
	}

	if err := gw.Send(c.UserContext(), entity, msg); err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusAccepted, fiber.Map{"brokerMessageId": req.BrokerMessageID})
}

func (h *messageHandler) SendQueue(c *fiber.Ctx) error {
	return h.send(c, c.Params("entity"))
}

func (h *messageHandler) SendTopic(c *fiber.Ctx) error {
	return h.send(c, c.Params("topic"))
}

func (h *messageHandler) peek(c *fiber.Ctx, entity string, entityType domain.EntityType) error {
	gw, err := h.gatewayFor(c)
	if err != nil {
		return writeError(c, err)
	}

	fromSequence := int64(queryIntDefault(c, "skip", 0))
	take := queryIntDefault(c, "take", defaultPeekTake)

	var msgs []gateway.Message

	if c.Query("queueType") == "deadletter" {
		msgs, err = gw.PeekDlq(c.UserContext(), entity, entityType, fromSequence, take)
	} else {
		msgs, err = gw.Peek(c.UserContext(), entity, entityType, fromSequence, take)
	}

	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, messageResponses(msgs))
}

func (h *messageHandler) PeekQueue(c *fiber.Ctx) error {
	return h.peek(c, c.Params("entity"), domain.EntityQueue)
}

func (h *messageHandler) PeekSubscription(c *fiber.Ctx) error {
	return h.peek(c, c.Params("entity"), domain.EntitySubscription)
}

func (h *messageHandler) deadLetter(c *fiber.Ctx, entity string, entityType domain.EntityType) error {
	var req deadLetterRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err))
	}

	if req.Count <= 0 {
		req.Count = 1
	}

	gw, err := h.gatewayFor(c)
	if err != nil {
		return writeError(c, err)
	}

	if err := gw.DeadLetter(c.UserContext(), entity, entityType, req.Count, req.Reason, req.ErrorDescription); err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, fiber.Map{"deadLettered": req.Count})
}

func (h *messageHandler) DeadLetterQueue(c *fiber.Ctx) error {
	return h.deadLetter(c, c.Params("entity"), domain.EntityQueue)
}

func (h *messageHandler) DeadLetterSubscription(c *fiber.Ctx) error {
	return h.deadLetter(c, c.Params("entity"), domain.EntitySubscription)
}
