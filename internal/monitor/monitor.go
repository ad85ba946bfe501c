// Package monitor implements DlqMonitor: bringing one namespace's DlqStore
// rows into eventual consistency with that broker's current DLQ contents,
// per spec.md §4.5.
package monitor

import (
	"context"
	"time"

	"github.com/debdevops/servicehub/internal/classifier"
	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/debdevops/servicehub/pkg/log"
)

// defaultPeekPageSize and defaultSafetyCap mirror SPEC_FULL.md §6's
// PEEK_PAGE_SIZE / PER_ENTITY_SAFETY_CAP defaults, used when Monitor is
// built with a zero Config.
const (
	defaultPeekPageSize = 100
	defaultSafetyCap    = 10000
)

// Config bounds one monitor cycle, per spec.md §4.5 and §6.
type Config struct {
	PeekPageSize   int
	PerEntitySafetyCap int
}

// DefaultConfig returns the spec-mandated default bounds.
func DefaultConfig() Config {
	return Config{PeekPageSize: defaultPeekPageSize, PerEntitySafetyCap: defaultSafetyCap}
}

// GatewayFactory resolves a namespace's credential and returns a gateway to
// call it with. Centralizing this lets the scheduler and tests share the
// same "cached per namespace" gateway pool described in spec.md §5.
type GatewayFactory func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error)

// Monitor implements one DlqMonitor invocation.
type Monitor struct {
	credentials credentials.Store
	gateways    GatewayFactory
	dlqStore    store.DlqStore
	ruleEngine  *rules.Engine
	classify    classifier.Func
	logger      log.Logger
	config      Config
}

// New builds a Monitor. classify defaults to classifier.Classify when nil,
// matching the design notes' pluggable-classifier guidance.
func New(credStore credentials.Store, gateways GatewayFactory, dlqStore store.DlqStore, ruleEngine *rules.Engine, classify classifier.Func, logger log.Logger, config Config) *Monitor {
	if classify == nil {
		classify = classifier.Classify
	}

	if logger == nil {
		logger = log.None
	}

	if config.PeekPageSize <= 0 {
		config.PeekPageSize = defaultPeekPageSize
	}

	if config.PerEntitySafetyCap <= 0 {
		config.PerEntitySafetyCap = defaultSafetyCap
	}

	return &Monitor{
		credentials: credStore,
		gateways:    gateways,
		dlqStore:    dlqStore,
		ruleEngine:  ruleEngine,
		classify:    classify,
		logger:      logger,
		config:      config,
	}
}

// CycleResult summarizes one Run invocation. EntityErrors never aborts the
// cycle; it is informational, per spec.md §4.5's "per-entity failures are
// logged and skipped" semantics.
type CycleResult struct {
	NamespaceID      string
	EntitiesScanned  int
	MessagesObserved int
	EntriesCreated   int
	EntriesUpdated   int
	AuthFailed       bool
	EntityErrors     []error
	Dispatches       []rules.Dispatch
}

// Run executes one monitor cycle for namespaceID, per spec.md §4.5's six
// steps.
func (m *Monitor) Run(ctx context.Context, namespaceID string) (CycleResult, error) {
	result := CycleResult{NamespaceID: namespaceID}

	gw, err := m.gateways(ctx, namespaceID)
	if err != nil {
		result.AuthFailed = true
		_ = m.credentials.RecordConnectionTest(ctx, namespaceID, false)
		m.logger.Warnf("monitor: namespace %s: failed to resolve gateway: %v", namespaceID, err)

		return result, err
	}

	_ = m.credentials.RecordConnectionTest(ctx, namespaceID, true)

	var entries []domain.DlqHistoryEntry

	queues, err := gw.ListQueues(ctx)
	if err != nil {
		result.EntityErrors = append(result.EntityErrors, err)
	}

	for _, q := range queues {
		if q.DlqCount <= 0 {
			continue
		}

		if err := ctx.Err(); err != nil {
			return result, err
		}

		created, updated, observed, err := m.drainEntity(ctx, gw, namespaceID, q.Name, domain.EntityQueue, "", &entries)
		result.EntitiesScanned++
		result.MessagesObserved += observed
		result.EntriesCreated += created
		result.EntriesUpdated += updated

		if err != nil {
			result.EntityErrors = append(result.EntityErrors, err)
			m.logger.Warnf("monitor: namespace %s queue %s: %v", namespaceID, q.Name, err)
		}
	}

	topics, err := gw.ListTopics(ctx)
	if err != nil {
		result.EntityErrors = append(result.EntityErrors, err)
	}

	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		subs, err := gw.ListSubscriptions(ctx, topic.Name)
		if err != nil {
			result.EntityErrors = append(result.EntityErrors, err)
			continue
		}

		for _, sub := range subs {
			if sub.DlqCount <= 0 {
				continue
			}

			if err := ctx.Err(); err != nil {
				return result, err
			}

			created, updated, observed, err := m.drainEntity(ctx, gw, namespaceID, sub.Name, domain.EntitySubscription, topic.Name, &entries)
			result.EntitiesScanned++
			result.MessagesObserved += observed
			result.EntriesCreated += created
			result.EntriesUpdated += updated

			if err != nil {
				result.EntityErrors = append(result.EntityErrors, err)
				m.logger.Warnf("monitor: namespace %s subscription %s/%s: %v", namespaceID, topic.Name, sub.Name, err)
			}
		}
	}

	if m.ruleEngine != nil && len(entries) > 0 {
		result.Dispatches = m.ruleEngine.EvaluateBatch(time.Now(), entries)
	}

	return result, nil
}

// drainEntity pages through one entity's DLQ via peekDlq, advancing
// fromSequence as spec.md §4.5 step 3 describes, up to the safety cap.
func (m *Monitor) drainEntity(ctx context.Context, gw gateway.BrokerGateway, namespaceID, entity string, entityType domain.EntityType, topicName string, collected *[]domain.DlqHistoryEntry) (created, updated, observed int, err error) {
	var fromSequence int64

	for observed < m.config.PerEntitySafetyCap {
		if err := ctx.Err(); err != nil {
			return created, updated, observed, err
		}

		page, peekErr := gw.PeekDlq(ctx, entity, entityType, fromSequence, m.config.PeekPageSize)
		if peekErr != nil {
			return created, updated, observed, peekErr
		}

		if len(page) == 0 {
			break
		}

		for _, msg := range page {
			candidate := domain.DlqHistoryEntry{
				DedupKey: domain.DedupKey{
					NamespaceID:     namespaceID,
					EntityName:      entity,
					EntityType:      entityType,
					TopicName:       topicName,
					BrokerMessageID: msg.BrokerMessageID,
					SequenceNumber:  msg.SequenceNumber,
				},
				EnqueuedAtUTC:              msg.EnqueuedAtUTC,
				DeadLetteredAtUTC:          msg.DeadLetteredAtUTC,
				DeadLetterReason:           msg.DeadLetterReason,
				DeadLetterErrorDescription: msg.DeadLetterErrorDescription,
				DeliveryCount:              msg.DeliveryCount,
				ContentType:                msg.ContentType,
				SizeBytes:                  int64(len(msg.Body)),
				BodyPreview:                domain.BodyPreview(msg.Body),
				BodyHash:                   domain.BodyHash(msg.Body),
				ApplicationProperties:      msg.ApplicationProperties,
			}

			classifyInput := classifier.Input{
				DeadLetterReason:           msg.DeadLetterReason,
				DeadLetterErrorDescription: msg.DeadLetterErrorDescription,
				DeliveryCount:              msg.DeliveryCount,
				ApplicationProperties:      msg.ApplicationProperties,
			}

			result, upsertErr := m.dlqStore.UpsertByDedupKey(ctx, candidate, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) {
				return m.classify(classifyInput)
			})
			if upsertErr != nil {
				return created, updated, observed, upsertErr
			}

			if result.Created {
				created++
			} else {
				updated++
			}

			observed++
			*collected = append(*collected, result.Entry)
		}

		last := page[len(page)-1]
		fromSequence = last.SequenceNumber + 1
	}

	return created, updated, observed, nil
}
