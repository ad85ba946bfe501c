package httpapi

import (
	"time"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// namespaceHandler serves namespace registration/listing/removal, per
// spec.md §6.
type namespaceHandler struct {
	deps Dependencies
}

// Register serves POST /namespaces.
func (h *namespaceHandler) Register(c *fiber.Ctx) error {
	var req registerNamespaceRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err))
	}

	if req.Name == "" {
		return writeError(c, apperr.New(apperr.KindValidation, "missing_name", "name is required"))
	}

	if req.BrokerConnection == "" {
		return writeError(c, apperr.New(apperr.KindValidation, "missing_broker_connection", "brokerConnection is required"))
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	ns := domain.Namespace{
		ID:           req.ID,
		Name:         req.Name,
		DisplayLabel: req.DisplayLabel,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	cred := domain.Credential{
		NamespaceID:      req.ID,
		BrokerConnection: req.BrokerConnection,
		Attributes:       req.Attributes,
	}

	stored, err := h.deps.Credentials.Register(c.UserContext(), ns, cred)
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusCreated, namespaceResponse(stored))
}

// List serves GET /namespaces.
func (h *namespaceHandler) List(c *fiber.Ctx) error {
	namespaces, err := h.deps.Credentials.List(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}

	out := make([]NamespaceResponse, len(namespaces))
	for i, ns := range namespaces {
		out[i] = namespaceResponse(ns)
	}

	return writeJSON(c, fiber.StatusOK, out)
}

// Get serves GET /namespaces/{id}.
func (h *namespaceHandler) Get(c *fiber.Ctx) error {
	ns, err := h.deps.Credentials.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, namespaceResponse(ns))
}

// Delete serves DELETE /namespaces/{id}. Before deleting it checks for
// active DLQ history under this namespace: spec.md §6 requires a 409 in
// that case, a check the credential store itself does not know how to
// make since DLQ history lives in a separate store.
func (h *namespaceHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.deps.Credentials.Get(c.UserContext(), id); err != nil {
		return writeError(c, err)
	}

	active, err := h.deps.DlqStore.ListByFilter(c.UserContext(), store.Filter{
		NamespaceID: id,
		Status:      domain.StatusActive,
	}, store.Page{Number: 1, Size: 1})
	if err != nil {
		return writeError(c, err)
	}

	if active.TotalCount > 0 {
		return writeError(c, apperr.New(apperr.KindConflict, "namespace_has_active_dlq_history", "namespace has active DLQ history and cannot be removed"))
	}

	if err := h.deps.Credentials.Delete(c.UserContext(), id); err != nil {
		return writeError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
