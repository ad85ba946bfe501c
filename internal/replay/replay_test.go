package replay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/debdevops/servicehub/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failNTimesGateway wraps a SimulatedGateway, failing the first n Send
// calls with a transient error before delegating, letting tests exercise
// ReplayExecutor's retry loop without the gateway's own retry machinery.
type failNTimesGateway struct {
	*gateway.SimulatedGateway
	remaining atomic.Int32
	attempts  atomic.Int32
}

func (g *failNTimesGateway) Send(ctx context.Context, entity string, msg gateway.Message) error {
	g.attempts.Add(1)

	if g.remaining.Load() > 0 {
		g.remaining.Add(-1)
		return gateway.NewError(gateway.KindTransient, "send failed", nil)
	}

	return g.SimulatedGateway.Send(ctx, entity, msg)
}

func seedActiveEntry(t *testing.T, dlqStore store.DlqStore) int64 {
	t.Helper()

	result, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  101,
		},
		DeadLetterReason: "MaxDeliveryCountExceeded",
		DeliveryCount:    10,
		ContentType:      "application/json",
		BodyPreview:      `{"hello":"world"}`,
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) {
		return domain.CategoryMaxDelivery, 0.99
	})
	require.NoError(t, err)

	return result.Entry.ID
}

// TestExecutor_RetriesThenSucceeds mirrors spec.md §8 scenario 4: a rule
// with maxRetries=2, exponentialBackoff=true whose target send fails twice
// then succeeds. Expect three total attempts, one Success replay history
// row, and the entry transitioned to Replayed.
func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	entryID := seedActiveEntry(t, dlqStore)

	sim := gateway.NewSimulatedGateway()
	sim.SeedQueue("q1")
	failing := &failNTimesGateway{SimulatedGateway: sim}
	failing.remaining.Store(2)

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return failing, nil
	}

	exec := New(dlqStore, factory, nil,
		WithClock(func() time.Time { return time.Unix(0, 0) }),
		WithRetryConfig(func(action domain.RuleAction) retry.Config {
			return retry.DefaultReplayConfig(action.MaxRetries, action.ExponentialBackoff).WithInitialBackoff(time.Millisecond).WithMaxBackoff(10 * time.Millisecond).WithJitterFactor(0)
		}),
	)
	exec.Process(context.Background(), Job{
		EntryID:    entryID,
		ReplayedBy: "R1",
		Strategy:   "rule",
		Action:     domain.RuleAction{MaxRetries: 2, ExponentialBackoff: true},
	})

	assert.Equal(t, int32(3), failing.attempts.Load(), "expected 2 failures + 1 success = 3 attempts")

	entry, err := dlqStore.Get(context.Background(), entryID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReplayed, entry.Status)
	require.NotNil(t, entry.ReplaySuccess)
	assert.True(t, *entry.ReplaySuccess)

	history, err := dlqStore.ReplayHistory(context.Background(), entryID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.OutcomeSuccess, history[0].OutcomeStatus)
}

// TestExecutor_ExhaustsRetriesThenFails mirrors spec.md §4.8 step 5: when
// every attempt fails, the entry transitions to ReplayFailed with a Failed
// replay history row recording the last error.
func TestExecutor_ExhaustsRetriesThenFails(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	entryID := seedActiveEntry(t, dlqStore)

	sim := gateway.NewSimulatedGateway()
	sim.SeedQueue("q1")
	failing := &failNTimesGateway{SimulatedGateway: sim}
	failing.remaining.Store(10) // always fails

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return failing, nil
	}

	exec := New(dlqStore, factory, nil,
		WithRetryConfig(func(action domain.RuleAction) retry.Config {
			return retry.DefaultReplayConfig(action.MaxRetries, action.ExponentialBackoff).WithInitialBackoff(time.Millisecond).WithMaxBackoff(10 * time.Millisecond).WithJitterFactor(0)
		}),
	)
	exec.Process(context.Background(), Job{
		EntryID:    entryID,
		ReplayedBy: "R1",
		Strategy:   "rule",
		Action:     domain.RuleAction{MaxRetries: 1, ExponentialBackoff: false},
	})

	assert.Equal(t, int32(2), failing.attempts.Load(), "maxRetries=1 means 2 total attempts")

	entry, err := dlqStore.Get(context.Background(), entryID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReplayFailed, entry.Status)

	history, err := dlqStore.ReplayHistory(context.Background(), entryID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.OutcomeFailed, history[0].OutcomeStatus)
	assert.NotEmpty(t, history[0].ErrorDetails)
}

// TestExecutor_DropsJobForNonActiveEntry mirrors spec.md §4.8 step 1's
// idempotency guard: a job for an entry that is no longer Active (already
// replayed by a concurrent job, or archived) is dropped without calling
// the gateway.
func TestExecutor_DropsJobForNonActiveEntry(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	entryID := seedActiveEntry(t, dlqStore)

	require.NoError(t, dlqStore.SetStatus(context.Background(), entryID, domain.StatusDiscarded, time.Unix(0, 0)))

	sim := gateway.NewSimulatedGateway()
	sim.SeedQueue("q1")
	failing := &failNTimesGateway{SimulatedGateway: sim}

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return failing, nil
	}

	exec := New(dlqStore, factory, nil)
	exec.Process(context.Background(), Job{EntryID: entryID, ReplayedBy: "manual"})

	assert.Equal(t, int32(0), failing.attempts.Load(), "a non-Active entry's job must never reach the gateway")
}

// TestExecutor_SuccessObserverFiresOnlyForRuleDrivenReplays mirrors the
// RuleEngine's successCount bookkeeping requirement (spec.md §4.8 step 4):
// only rule-strategy jobs should bump a rule's successCount, not manual
// replays.
func TestExecutor_SuccessObserverFiresOnlyForRuleDrivenReplays(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	entryID := seedActiveEntry(t, dlqStore)

	sim := gateway.NewSimulatedGateway()
	sim.SeedQueue("q1")

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return sim, nil
	}

	var observedRuleID string
	exec := New(dlqStore, factory, nil, WithSuccessObserver(func(ruleID string) { observedRuleID = ruleID }))
	exec.Process(context.Background(), Job{EntryID: entryID, ReplayedBy: "R1", Strategy: "rule"})

	assert.Equal(t, "R1", observedRuleID)
}

func TestExecutor_ManualReplayDoesNotFireSuccessObserver(t *testing.T) {
	dlqStore := store.NewMemoryStore()
	entryID := seedActiveEntry(t, dlqStore)

	sim := gateway.NewSimulatedGateway()
	sim.SeedQueue("q1")

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return sim, nil
	}

	called := false
	exec := New(dlqStore, factory, nil, WithSuccessObserver(func(ruleID string) { called = true }))
	exec.Process(context.Background(), Job{EntryID: entryID, ReplayedBy: "manual", Strategy: "manual"})

	assert.False(t, called)
}
