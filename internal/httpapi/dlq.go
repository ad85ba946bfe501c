package httpapi

import (
	"strconv"
	"time"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/replay"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/gofiber/fiber/v2"
)

// dlqHandler serves the read-only DLQ query routes plus the bulk-replay
// operation, per spec.md §4.9 and §6.
type dlqHandler struct {
	deps Dependencies
}

func parseID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, "invalid_id", "id must be a positive integer", err)
	}

	return id, nil
}

// List serves GET /dlq?filter…&page&pageSize, per spec.md §4.9.
func (h *dlqHandler) List(c *fiber.Ctx) error {
	filter := store.Filter{
		NamespaceID: c.Query("namespaceId"),
		Entity:      c.Query("entity"),
		TextSearch:  c.Query("search"),
	}

	if status := c.Query("status"); status != "" {
		filter.Status = domain.HistoryStatus(status)
	}

	if category := c.Query("category"); category != "" {
		filter.Category = domain.FailureCategory(category)
	}

	if minDelivery := c.Query("minDeliveryCount"); minDelivery != "" {
		n, err := strconv.ParseInt(minDelivery, 10, 64)
		if err != nil {
			return writeError(c, apperr.Wrap(apperr.KindValidation, "invalid_filter", "minDeliveryCount must be an integer", err))
		}

		filter.MinDeliveryCount = n
	}

	if from, err := parseQueryTime(c, "from"); err != nil {
		return writeError(c, err)
	} else if from != nil {
		filter.From = from
	}

	if to, err := parseQueryTime(c, "to"); err != nil {
		return writeError(c, err)
	} else if to != nil {
		filter.To = to
	}

	page := store.Page{
		Number: queryIntDefault(c, "page", 1),
		Size:   queryIntDefault(c, "pageSize", 20),
	}

	result, err := h.deps.Query.List(c.UserContext(), filter, page)
	if err != nil {
		return writeError(c, err)
	}

	return writePaged(c, dlqListResponse(result), result.TotalCount, page.Number, page.Size)
}

func parseQueryTime(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_filter", key+" must be RFC-3339", err)
	}

	return &t, nil
}

// Get serves GET /dlq/{id}.
func (h *dlqHandler) Get(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}

	detail, err := h.deps.Query.Get(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, dlqDetailResponse(detail))
}

// Timeline serves GET /dlq/{id}/timeline.
func (h *dlqHandler) Timeline(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}

	events, err := h.deps.Query.Timeline(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, timelineResponse(events))
}

// Summary serves GET /dlq/summary?from=…&to=… (RFC 3339 timestamps; the
// range defaults to the last 7 days up to now).
func (h *dlqHandler) Summary(c *fiber.Ctx) error {
	now := time.Now().UTC()

	from := now.AddDate(0, 0, -7)
	if parsed, err := parseQueryTime(c, "from"); err != nil {
		return writeError(c, err)
	} else if parsed != nil {
		from = *parsed
	}

	to := now
	if parsed, err := parseQueryTime(c, "to"); err != nil {
		return writeError(c, err)
	} else if parsed != nil {
		to = *parsed
	}

	summary, err := h.deps.Query.Summary(c.UserContext(), from, to)
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, summaryResponse(summary))
}

// SetNotes serves PATCH /dlq/{id}/notes.
func (h *dlqHandler) SetNotes(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}

	var req notesRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err))
	}

	if err := h.deps.Query.SetUserNotes(c.UserContext(), id, req.Notes); err != nil {
		return writeError(c, err)
	}

	detail, err := h.deps.Query.Get(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, dlqDetailResponse(detail))
}

// Resolve serves POST /dlq/{id}/resolve: an operator marking an entry
// Discarded with a free-form resolution note, per SPEC_FULL.md §4.9's
// supplemented resolve operation.
func (h *dlqHandler) Resolve(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeError(c, err)
	}

	var req notesRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.KindValidation, "malformed_body", "request body is not valid JSON", err))
	}

	if err := h.deps.Query.Resolve(c.UserContext(), id, req.Notes, time.Now().UTC()); err != nil {
		return writeError(c, err)
	}

	detail, err := h.deps.Query.Get(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}

	return writeJSON(c, fiber.StatusOK, dlqDetailResponse(detail))
}

// replayAllResponse is the wire shape of POST /dlq:replayAll's result, per
// spec.md §6.
type replayAllResponse struct {
	Matched  int                 `json:"matched"`
	Replayed int                 `json:"replayed"`
	Failed   int                 `json:"failed"`
	Skipped  int                 `json:"skipped"`
	Results  []replayOneResponse `json:"results"`
}

type replayOneResponse struct {
	EntryID int64  `json:"entryId"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// ReplayAll serves POST /dlq:replayAll?ruleId=…, per spec.md §6: an
// operator-triggered bulk replay of every entry currently matching ruleId,
// bypassing the rule's own autoReplay flag but still honoring its
// maxReplaysPerHour budget.
func (h *dlqHandler) ReplayAll(c *fiber.Ctx) error {
	ruleID := c.Query("ruleId")
	if ruleID == "" {
		return writeError(c, apperr.New(apperr.KindValidation, "missing_rule_id", "ruleId query parameter is required"))
	}

	active, err := h.deps.DlqStore.ListByFilter(c.UserContext(), store.Filter{Status: domain.StatusActive}, store.Page{Number: 1, Size: activeScanLimit})
	if err != nil {
		return writeError(c, err)
	}

	dispatches, matched, skipped := h.deps.Rules.ReplayRule(time.Now().UTC(), ruleID, active.Items)

	resp := replayAllResponse{Matched: matched, Skipped: skipped}

	for _, d := range dispatches {
		outcome := h.deps.Replay.Process(c.UserContext(), replay.Job{
			EntryID:    d.Entry.ID,
			ReplayedBy: d.Rule.ID,
			Strategy:   "rule",
			Action:     d.Rule.Action,
		})

		if outcome.Skipped {
			resp.Skipped++
			h.deps.Logger.Infof("replay skipped: entryId=%d ruleId=%s", outcome.EntryID, ruleID)
			continue
		}

		if outcome.Success {
			resp.Replayed++
			h.deps.Logger.Infof("replay succeeded: entryId=%d ruleId=%s", outcome.EntryID, ruleID)
		} else {
			resp.Failed++
			h.deps.Logger.Warnf("replay failed: entryId=%d ruleId=%s error=%s", outcome.EntryID, ruleID, outcome.Error)
		}

		resp.Results = append(resp.Results, replayOneResponse{
			EntryID: outcome.EntryID,
			Success: outcome.Success,
			Skipped: outcome.Skipped,
			Error:   outcome.Error,
		})
	}

	return writeJSON(c, fiber.StatusOK, resp)
}

// activeScanLimit bounds how many Active entries ReplayAll scans per
// invocation, matching the per-entity safety cap named in spec.md §6.
const activeScanLimit = 10000
