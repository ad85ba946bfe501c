package httpapi

import (
	"time"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ruleHandler serves rule CRUD and the rule dry-run route, per spec.md §6.
type ruleHandler struct {
	deps Dependencies
}

func (h *ruleHandler) parseBody(c *fiber.Ctx) (ruleRequest, error) {
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return req, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err)
	}

	if len(req.Conditions) == 0 {
		return req, apperr.New(apperr.KindValidation, "missing_conditions", "a rule requires at least one condition")
	}

	return req, nil
}

// Create serves POST /rules.
func (h *ruleHandler) Create(c *fiber.Ctx) error {
	req, err := h.parseBody(c)
	if err != nil {
		return writeError(c, err)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	rule := req.toDomain()
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt

	stored := h.deps.Rules.PutRule(rule)

	h.deps.Logger.Infof("rule created: id=%s enabled=%t autoReplay=%t", stored.ID, stored.Enabled, stored.Action.AutoReplay)

	return writeJSON(c, fiber.StatusCreated, ruleResponseFrom(stored))
}

// List serves GET /rules.
func (h *ruleHandler) List(c *fiber.Ctx) error {
	all := h.deps.Rules.Rules()

	out := make([]ruleResponse, len(all))
	for i, r := range all {
		out[i] = ruleResponseFrom(r)
	}

	return writeJSON(c, fiber.StatusOK, out)
}

func (h *ruleHandler) find(id string) (domain.Rule, bool) {
	for _, r := range h.deps.Rules.Rules() {
		if r.ID == id {
			return r, true
		}
	}

	return domain.Rule{}, false
}

// Get serves GET /rules/{id}.
func (h *ruleHandler) Get(c *fiber.Ctx) error {
	rule, ok := h.find(c.Params("id"))
	if !ok {
		return writeError(c, apperr.New(apperr.KindNotFound, "rule_not_found", "no rule with that id"))
	}

	return writeJSON(c, fiber.StatusOK, ruleResponseFrom(rule))
}

// Update serves PUT /rules/{id}.
func (h *ruleHandler) Update(c *fiber.Ctx) error {
	existing, ok := h.find(c.Params("id"))
	if !ok {
		return writeError(c, apperr.New(apperr.KindNotFound, "rule_not_found", "no rule with that id"))
	}

	req, err := h.parseBody(c)
	if err != nil {
		return writeError(c, err)
	}

	rule := req.toDomain()
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	rule.MatchCount = existing.MatchCount
	rule.SuccessCount = existing.SuccessCount

	stored := h.deps.Rules.PutRule(rule)

	h.deps.Logger.Infof("rule updated: id=%s enabled=%t autoReplay=%t", stored.ID, stored.Enabled, stored.Action.AutoReplay)

	return writeJSON(c, fiber.StatusOK, ruleResponseFrom(stored))
}

// Delete serves DELETE /rules/{id}.
func (h *ruleHandler) Delete(c *fiber.Ctx) error {
	if _, ok := h.find(c.Params("id")); !ok {
		return writeError(c, apperr.New(apperr.KindNotFound, "rule_not_found", "no rule with that id"))
	}

	h.deps.Rules.DeleteRule(c.Params("id"))

	h.deps.Logger.Infof("rule deleted: id=%s", c.Params("id"))

	return c.SendStatus(fiber.StatusNoContent)
}

// testRuleResponse is the wire shape of POST /rules:test's result, per
// spec.md §4.7 and §8 scenario 6.
type testRuleResponse struct {
	RuleID               string             `json:"ruleId"`
	Tested               int                `json:"tested"`
	EstimatedSuccessRate float64            `json:"estimatedSuccessRate"`
	MatchedEntries       []dlqEntryResponse `json:"sampleMatches"`
}

// Test serves POST /rules:test, a dry run that evaluates the given rule
// against currently Active entries without mutating counters or consuming
// replay budget, per spec.md §4.7 and §8 scenario 6.
func (h *ruleHandler) Test(c *fiber.Ctx) error {
	req, err := h.parseBody(c)
	if err != nil {
		return writeError(c, err)
	}

	rule := req.toDomain()
	if rule.ID == "" {
		rule.ID = "dry-run"
	} else if existing, ok := h.find(rule.ID); ok {
		rule.MatchCount = existing.MatchCount
		rule.SuccessCount = existing.SuccessCount
	}

	active, err := h.deps.DlqStore.ListByFilter(c.UserContext(), store.Filter{Status: domain.StatusActive}, store.Page{Number: 1, Size: activeScanLimit})
	if err != nil {
		return writeError(c, err)
	}

	testResult := h.deps.Rules.TestRule(rule, active.Items)

	matched := make([]dlqEntryResponse, len(testResult.MatchedEntries))
	for i, e := range testResult.MatchedEntries {
		matched[i] = dlqEntryResponseFrom(e)
	}

	return writeJSON(c, fiber.StatusOK, testRuleResponse{
		RuleID:               testResult.RuleID,
		Tested:               testResult.Tested,
		EstimatedSuccessRate: testResult.EstimatedSuccessRate,
		MatchedEntries:       matched,
	})
}
