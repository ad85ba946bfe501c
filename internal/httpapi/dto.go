// Package httpapi exposes ServiceHub's REST surface (spec.md §6) as a
// gofiber/fiber/v2 application, translating between the core's Go types
// and the camelCase JSON wire format the spec requires.
package httpapi

import (
	"time"

	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/query"
	"github.com/debdevops/servicehub/internal/store"
)

// NamespaceResponse is the wire shape of domain.Namespace.
type NamespaceResponse struct {
	ID                          string     `json:"id"`
	Name                        string     `json:"name"`
	DisplayLabel                string     `json:"displayLabel"`
	Active                      bool       `json:"active"`
	LastConnectionTestAt        *time.Time `json:"lastConnectionTestAt,omitempty"`
	LastConnectionTestSucceeded *bool      `json:"lastConnectionTestSucceeded,omitempty"`
	CreatedAt                   time.Time  `json:"createdAt"`
	UpdatedAt                   time.Time  `json:"updatedAt"`
}

func namespaceResponse(ns domain.Namespace) NamespaceResponse {
	return NamespaceResponse{
		ID:                          ns.ID,
		Name:                        ns.Name,
		DisplayLabel:                ns.DisplayLabel,
		Active:                      ns.Active,
		LastConnectionTestAt:        ns.LastConnectionTestAt,
		LastConnectionTestSucceeded: ns.LastConnectionTestSucceeded,
		CreatedAt:                   ns.CreatedAt,
		UpdatedAt:                   ns.UpdatedAt,
	}
}

// registerNamespaceRequest is the POST /namespaces request body.
type registerNamespaceRequest struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	DisplayLabel     string            `json:"displayLabel"`
	BrokerConnection string            `json:"brokerConnection"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// entitySummaryResponse is the wire shape of gateway.EntitySummary.
type entitySummaryResponse struct {
	Name           string `json:"name"`
	ActiveCount    int64  `json:"activeCount"`
	DlqCount       int64  `json:"dlqCount"`
	ScheduledCount int64  `json:"scheduledCount"`
	TransferCount  int64  `json:"transferCount"`
}

func entitySummaryResponses(in []gateway.EntitySummary) []entitySummaryResponse {
	out := make([]entitySummaryResponse, len(in))
	for i, s := range in {
		out[i] = entitySummaryResponse{
			Name:           s.Name,
			ActiveCount:    s.ActiveCount,
			DlqCount:       s.DlqCount,
			ScheduledCount: s.ScheduledCount,
			TransferCount:  s.TransferCount,
		}
	}

	return out
}

// messageResponse is the wire shape of gateway.Message.
type messageResponse struct {
	BrokerMessageID            string         `json:"brokerMessageId"`
	SequenceNumber             int64          `json:"sequenceNumber"`
	EnqueuedAtUTC              time.Time      `json:"enqueuedAtUtc"`
	DeadLetteredAtUTC          *time.Time     `json:"deadLetteredAtUtc,omitempty"`
	DeadLetterReason           string         `json:"deadLetterReason,omitempty"`
	DeadLetterErrorDescription string         `json:"deadLetterErrorDescription,omitempty"`
	DeliveryCount              int64          `json:"deliveryCount"`
	ContentType                string         `json:"contentType,omitempty"`
	Body                       string         `json:"body,omitempty"`
	ApplicationProperties      map[string]any `json:"applicationProperties,omitempty"`
}

func messageResponses(in []gateway.Message) []messageResponse {
	out := make([]messageResponse, len(in))
	for i, m := range in {
		var deadLettered *time.Time
		if !m.DeadLetteredAtUTC.IsZero() {
			deadLettered = &m.DeadLetteredAtUTC
		}

		out[i] = messageResponse{
			BrokerMessageID:            m.BrokerMessageID,
			SequenceNumber:             m.SequenceNumber,
			EnqueuedAtUTC:              m.EnqueuedAtUTC,
			DeadLetteredAtUTC:          deadLettered,
			DeadLetterReason:           m.DeadLetterReason,
			DeadLetterErrorDescription: m.DeadLetterErrorDescription,
			DeliveryCount:              m.DeliveryCount,
			ContentType:                m.ContentType,
			Body:                       string(m.Body),
			ApplicationProperties:      m.ApplicationProperties,
		}
	}

	return out
}

// sendMessageRequest is the POST .../messages request body.
type sendMessageRequest struct {
	BrokerMessageID       string         `json:"brokerMessageId"`
	ContentType           string         `json:"contentType,omitempty"`
	Body                  string         `json:"body"`
	ApplicationProperties map[string]any `json:"applicationProperties,omitempty"`
}

// deadLetterRequest is the POST .../messages:deadLetter test-only request
// body, per spec.md §6.
type deadLetterRequest struct {
	Count            int    `json:"count"`
	Reason           string `json:"reason"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// dlqEntryResponse is the wire shape of domain.DlqHistoryEntry.
type dlqEntryResponse struct {
	ID                         int64          `json:"id"`
	NamespaceID                string         `json:"namespaceId"`
	EntityName                 string         `json:"entityName"`
	EntityType                 string         `json:"entityType"`
	TopicName                  string         `json:"topicName,omitempty"`
	BrokerMessageID            string         `json:"brokerMessageId"`
	SequenceNumber             int64          `json:"sequenceNumber"`
	EnqueuedAtUTC              time.Time      `json:"enqueuedAtUtc"`
	DeadLetteredAtUTC          time.Time      `json:"deadLetteredAtUtc"`
	DetectedAtUTC              time.Time      `json:"detectedAtUtc"`
	DeadLetterReason           string         `json:"deadLetterReason"`
	DeadLetterErrorDescription string         `json:"deadLetterErrorDescription,omitempty"`
	DeliveryCount              int64          `json:"deliveryCount"`
	ContentType                string         `json:"contentType,omitempty"`
	SizeBytes                  int64          `json:"sizeBytes"`
	BodyPreview                string         `json:"bodyPreview,omitempty"`
	BodyHash                   string         `json:"bodyHash"`
	ApplicationProperties      map[string]any `json:"applicationPropertiesJson,omitempty"`
	FailureCategory            string         `json:"failureCategory"`
	CategoryConfidence         float64        `json:"categoryConfidence"`
	Status                     string         `json:"status"`
	ReplayedAt                 *time.Time     `json:"replayedAt,omitempty"`
	ReplaySuccess              *bool          `json:"replaySuccess,omitempty"`
	ArchivedAt                 *time.Time     `json:"archivedAt,omitempty"`
	UserNotes                  string         `json:"userNotes,omitempty"`
	CorrelationID              string         `json:"correlationId,omitempty"`
	SessionID                  string         `json:"sessionId,omitempty"`
}

func dlqEntryResponseFrom(e domain.DlqHistoryEntry) dlqEntryResponse {
	return dlqEntryResponse{
		ID:                         e.ID,
		NamespaceID:                e.NamespaceID,
		EntityName:                 e.EntityName,
		EntityType:                 string(e.EntityType),
		TopicName:                  e.TopicName,
		BrokerMessageID:            e.BrokerMessageID,
		SequenceNumber:             e.SequenceNumber,
		EnqueuedAtUTC:              e.EnqueuedAtUTC,
		DeadLetteredAtUTC:          e.DeadLetteredAtUTC,
		DetectedAtUTC:              e.DetectedAtUTC,
		DeadLetterReason:           e.DeadLetterReason,
		DeadLetterErrorDescription: e.DeadLetterErrorDescription,
		DeliveryCount:              e.DeliveryCount,
		ContentType:                e.ContentType,
		SizeBytes:                  e.SizeBytes,
		BodyPreview:                e.BodyPreview,
		BodyHash:                   e.BodyHash,
		ApplicationProperties:      e.ApplicationProperties,
		FailureCategory:            string(e.FailureCategory),
		CategoryConfidence:         e.CategoryConfidence,
		Status:                     string(e.Status),
		ReplayedAt:                 e.ReplayedAt,
		ReplaySuccess:              e.ReplaySuccess,
		ArchivedAt:                 e.ArchivedAt,
		UserNotes:                  e.UserNotes,
		CorrelationID:              e.CorrelationID,
		SessionID:                  e.SessionID,
	}
}

func dlqListResponse(r store.ListResult) map[string]any {
	items := make([]dlqEntryResponse, len(r.Items))
	for i, e := range r.Items {
		items[i] = dlqEntryResponseFrom(e)
	}

	return map[string]any{
		"items":      items,
		"totalCount": r.TotalCount,
		"hasNext":    r.HasNext,
		"hasPrev":    r.HasPrev,
	}
}

// replayHistoryResponse is the wire shape of domain.ReplayHistoryEntry.
type replayHistoryResponse struct {
	ID                  int64     `json:"id"`
	ReplayedAt          time.Time `json:"replayedAt"`
	ReplayedBy          string    `json:"replayedBy"`
	Strategy            string    `json:"strategy"`
	ReplayedToEntity    string    `json:"replayedToEntity"`
	OutcomeStatus       string    `json:"outcomeStatus"`
	NewDeadLetterReason string    `json:"newDeadLetterReason,omitempty"`
	ErrorDetails        string    `json:"errorDetails,omitempty"`
}

func replayHistoryResponses(in []domain.ReplayHistoryEntry) []replayHistoryResponse {
	out := make([]replayHistoryResponse, len(in))
	for i, r := range in {
		out[i] = replayHistoryResponse{
			ID:                  r.ID,
			ReplayedAt:          r.ReplayedAt,
			ReplayedBy:          r.ReplayedBy,
			Strategy:            r.Strategy,
			ReplayedToEntity:    r.ReplayedToEntity,
			OutcomeStatus:       string(r.OutcomeStatus),
			NewDeadLetterReason: r.NewDeadLetterReason,
			ErrorDetails:        r.ErrorDetails,
		}
	}

	return out
}

func dlqDetailResponse(d query.Detail) map[string]any {
	resp := dlqEntryResponseFrom(d.Entry)

	return map[string]any{
		"entry":         resp,
		"replayHistory": replayHistoryResponses(d.Replays),
	}
}

// timelineEventResponse is the wire shape of domain.TimelineEvent.
type timelineEventResponse struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

func timelineResponse(events []domain.TimelineEvent) []timelineEventResponse {
	out := make([]timelineEventResponse, len(events))
	for i, e := range events {
		out[i] = timelineEventResponse{Kind: string(e.Kind), Timestamp: e.Timestamp, Detail: e.Detail}
	}

	return out
}

func summaryResponse(s store.Summary) map[string]any {
	byStatus := make(map[string]int64, len(s.ByStatus))
	for _, t := range s.ByStatus {
		byStatus[string(t.Status)] = t.Count
	}

	byCategory := make(map[string]int64, len(s.ByCategory))
	for _, t := range s.ByCategory {
		byCategory[string(t.Category)] = t.Count
	}

	byEntity := make(map[string]int64, len(s.ByEntity))
	for _, t := range s.ByEntity {
		byEntity[t.Entity] = t.Count
	}

	daily := make([]map[string]any, len(s.Daily))
	for i, d := range s.Daily {
		daily[i] = map[string]any{"date": d.Date, "new": d.New, "resolved": d.Resolved}
	}

	return map[string]any{
		"byStatus":   byStatus,
		"byCategory": byCategory,
		"byEntity":   byEntity,
		"daily":      daily,
		"oldest":     s.Oldest,
		"newest":     s.Newest,
	}
}

// notesRequest is the PATCH /dlq/{id}/notes request body.
type notesRequest struct {
	Notes string `json:"notes"`
}

// ruleConditionDTO is the wire shape of domain.RuleCondition.
type ruleConditionDTO struct {
	Field         string `json:"field"`
	Operator      string `json:"operator"`
	Value         string `json:"value"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
	PropertyKey   string `json:"propertyKey,omitempty"`
}

// ruleActionDTO is the wire shape of domain.RuleAction.
type ruleActionDTO struct {
	AutoReplay         bool   `json:"autoReplay"`
	DelaySeconds       int    `json:"delaySeconds,omitempty"`
	MaxRetries         int    `json:"maxRetries,omitempty"`
	ExponentialBackoff bool   `json:"exponentialBackoff,omitempty"`
	TargetEntity       string `json:"targetEntity,omitempty"`
}

// ruleRequest is the POST/PUT /rules request body.
type ruleRequest struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Enabled           bool               `json:"enabled"`
	Conditions        []ruleConditionDTO `json:"conditions"`
	Action            ruleActionDTO      `json:"action"`
	MaxReplaysPerHour int                `json:"maxReplaysPerHour,omitempty"`
}

func (r ruleRequest) toDomain() domain.Rule {
	conditions := make([]domain.RuleCondition, len(r.Conditions))
	for i, c := range r.Conditions {
		conditions[i] = domain.RuleCondition{
			Field:         domain.ConditionField(c.Field),
			Operator:      domain.ConditionOperator(c.Operator),
			Value:         c.Value,
			CaseSensitive: c.CaseSensitive,
			PropertyKey:   c.PropertyKey,
		}
	}

	return domain.Rule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled,
		Conditions:  conditions,
		Action: domain.RuleAction{
			AutoReplay:         r.Action.AutoReplay,
			DelaySeconds:       r.Action.DelaySeconds,
			MaxRetries:         r.Action.MaxRetries,
			ExponentialBackoff: r.Action.ExponentialBackoff,
			TargetEntity:       r.Action.TargetEntity,
		},
		MaxReplaysPerHour: r.MaxReplaysPerHour,
	}
}

// ruleResponse is the wire shape of domain.Rule.
type ruleResponse struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Enabled           bool               `json:"enabled"`
	Conditions        []ruleConditionDTO `json:"conditions"`
	Action            ruleActionDTO      `json:"action"`
	MaxReplaysPerHour int                `json:"maxReplaysPerHour,omitempty"`
	MatchCount        int64              `json:"matchCount"`
	SuccessCount      int64              `json:"successCount"`
	DisabledReason    string             `json:"disabledReason,omitempty"`
}

func ruleResponseFrom(r domain.Rule) ruleResponse {
	conditions := make([]ruleConditionDTO, len(r.Conditions))
	for i, c := range r.Conditions {
		conditions[i] = ruleConditionDTO{
			Field:         string(c.Field),
			Operator:      string(c.Operator),
			Value:         c.Value,
			CaseSensitive: c.CaseSensitive,
			PropertyKey:   c.PropertyKey,
		}
	}

	return ruleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled,
		Conditions:  conditions,
		Action: ruleActionDTO{
			AutoReplay:         r.Action.AutoReplay,
			DelaySeconds:       r.Action.DelaySeconds,
			MaxRetries:         r.Action.MaxRetries,
			ExponentialBackoff: r.Action.ExponentialBackoff,
			TargetEntity:       r.Action.TargetEntity,
		},
		MaxReplaysPerHour: r.MaxReplaysPerHour,
		MatchCount:        r.MatchCount,
		SuccessCount:      r.SuccessCount,
		DisabledReason:    r.DisabledReason,
	}
}
