package query

import (
	"context"
	"testing"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntry(t *testing.T, dlqStore store.DlqStore, entity, msgID string, category domain.FailureCategory) int64 {
	t.Helper()

	result, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      entity,
			EntityType:      domain.EntityQueue,
			BrokerMessageID: msgID,
			SequenceNumber:  1,
		},
		DetectedAtUTC: time.Now(),
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return category, 0.9 })
	require.NoError(t, err)

	return result.Entry.ID
}

func TestService_ListDefaultsPageAndSize(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	seedEntry(t, dlqStore, "q1", "m1", domain.CategoryMaxDelivery)

	svc := New(dlqStore)
	result, err := svc.List(context.Background(), store.Filter{NamespaceID: "NS1"}, store.Page{})
	require.NoError(t, err)
	assert.Len(t, result.Items, 1)
}

// TestService_Timeline mirrors spec.md §8 scenario 5: enqueued, dead-lettered,
// detected, replayed-failed, replayed-success in that chronological order.
func TestService_Timeline(t *testing.T) {
	dlqStore := store.NewMemoryStore()

	base := time.Now().UTC()

	result, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  1,
		},
		EnqueuedAtUTC:     base.Add(-2 * time.Minute),
		DeadLetteredAtUTC: base.Add(-time.Minute),
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
	require.NoError(t, err)
	entryID := result.Entry.ID

	require.NoError(t, dlqStore.ReplayTransition(context.Background(), entryID, domain.StatusReplayFailed, base.Add(10*time.Minute), domain.ReplayHistoryEntry{
		DlqHistoryEntryID: entryID,
		ReplayedAt:        base.Add(10 * time.Minute),
		OutcomeStatus:     domain.OutcomeFailed,
	}))

	require.NoError(t, dlqStore.ReplayTransition(context.Background(), entryID, domain.StatusReplayed, base.Add(20*time.Minute), domain.ReplayHistoryEntry{
		DlqHistoryEntryID: entryID,
		ReplayedAt:        base.Add(20 * time.Minute),
		OutcomeStatus:     domain.OutcomeSuccess,
	}))

	svc := New(dlqStore)
	events, err := svc.Timeline(context.Background(), entryID)
	require.NoError(t, err)
	require.Len(t, events, 5)

	kinds := make([]domain.TimelineEventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}

	assert.Equal(t, []domain.TimelineEventKind{
		domain.EventEnqueued,
		domain.EventDeadLettered,
		domain.EventDetected,
		domain.EventReplayedFailed,
		domain.EventReplayedSuccess,
	}, kinds)
}

func TestService_SummaryCountsResolvedStatuses(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	id1 := seedEntry(t, dlqStore, "q1", "m1", domain.CategoryMaxDelivery)
	seedEntry(t, dlqStore, "q1", "m2", domain.CategoryExpired)

	require.NoError(t, dlqStore.SetStatus(context.Background(), id1, domain.StatusDiscarded, time.Now()))

	svc := New(dlqStore)
	summary, err := svc.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, summary.ByStatus)
	assert.NotEmpty(t, summary.ByCategory)
}
