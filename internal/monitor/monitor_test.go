package monitor

import (
	"context"
	"testing"

	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Monitor, *gateway.SimulatedGateway, *store.MemoryStore, *credentials.MemoryStore) {
	t.Helper()

	credStore := credentials.NewMemoryStore()
	_, err := credStore.Register(context.Background(), domain.Namespace{ID: "NS1", Name: "NS1"}, domain.Credential{BrokerConnection: "sim://NS1"})
	require.NoError(t, err)

	sim := gateway.NewSimulatedGateway()
	dlqStore := store.NewMemoryStore()
	engine := rules.NewEngine()

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		if _, err := credStore.Resolve(ctx, namespaceID); err != nil {
			return nil, err
		}

		return sim, nil
	}

	m := New(credStore, factory, dlqStore, engine, nil, nil, DefaultConfig())

	return m, sim, dlqStore, credStore
}

// TestMonitor_DetectAndClassify mirrors spec.md §8 scenario 1: seed one
// dead-lettered message with MaxDeliveryCountExceeded, run one cycle,
// expect one Active entry classified MaxDelivery at confidence 0.99.
func TestMonitor_DetectAndClassify(t *testing.T) {
	m, sim, dlqStore, _ := newFixture(t)

	sim.SeedQueue("q1")
	sim.EnqueueDeadLetter("q1", domain.EntityQueue, gateway.Message{
		BrokerMessageID:  "m1",
		SequenceNumber:   101,
		DeadLetterReason: "MaxDeliveryCountExceeded",
		DeliveryCount:    10,
		ContentType:      "application/json",
	})

	result, err := m.Run(context.Background(), "NS1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesCreated)

	listed, err := dlqStore.ListByFilter(context.Background(), store.Filter{NamespaceID: "NS1"}, store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, listed.Items, 1)

	entry := listed.Items[0]
	assert.Equal(t, domain.StatusActive, entry.Status)
	assert.Equal(t, domain.CategoryMaxDelivery, entry.FailureCategory)
	assert.Equal(t, 0.99, entry.CategoryConfidence)
}

// TestMonitor_IdempotentOnRerun mirrors spec.md §4.5's "running it twice in
// quick succession produces no new rows" requirement.
func TestMonitor_IdempotentOnRerun(t *testing.T) {
	m, sim, dlqStore, _ := newFixture(t)

	sim.SeedQueue("q1")
	sim.EnqueueDeadLetter("q1", domain.EntityQueue, gateway.Message{BrokerMessageID: "m1", SequenceNumber: 101, DeadLetterReason: "TTLExpired"})

	_, err := m.Run(context.Background(), "NS1")
	require.NoError(t, err)

	_, err = m.Run(context.Background(), "NS1")
	require.NoError(t, err)

	listed, err := dlqStore.ListByFilter(context.Background(), store.Filter{NamespaceID: "NS1"}, store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Len(t, listed.Items, 1, "re-running the monitor must not duplicate rows")
}

// TestMonitor_SendNeverCreatesDlqHistory mirrors spec.md §8's
// send-peek-active scenario: sending a well-formed message never creates
// DLQ history.
func TestMonitor_SendNeverCreatesDlqHistory(t *testing.T) {
	m, sim, dlqStore, _ := newFixture(t)

	require.NoError(t, sim.Send(context.Background(), "q1", gateway.Message{BrokerMessageID: "m1", ContentType: "application/json"}))

	_, err := m.Run(context.Background(), "NS1")
	require.NoError(t, err)

	listed, err := dlqStore.ListByFilter(context.Background(), store.Filter{NamespaceID: "NS1"}, store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Empty(t, listed.Items)
}

func TestMonitor_PerEntityFailureDoesNotAbortCycle(t *testing.T) {
	m, sim, dlqStore, _ := newFixture(t)

	sim.SeedQueue("q1")
	sim.SeedQueue("q2")
	sim.EnqueueDeadLetter("q1", domain.EntityQueue, gateway.Message{BrokerMessageID: "m1", SequenceNumber: 1, DeadLetterReason: "x"})
	sim.EnqueueDeadLetter("q2", domain.EntityQueue, gateway.Message{BrokerMessageID: "m2", SequenceNumber: 1, DeadLetterReason: "y"})

	sim.FailNextCall("peekDlq:q1", gateway.NewError(gateway.KindTransient, "broker hiccup", nil))

	result, err := m.Run(context.Background(), "NS1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.EntityErrors)

	listed, err := dlqStore.ListByFilter(context.Background(), store.Filter{NamespaceID: "NS1"}, store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Len(t, listed.Items, 1, "q2's entry must still be recorded despite q1 failing")
}

func TestMonitor_AuthFailureShortCircuitsCycle(t *testing.T) {
	credStore := credentials.NewMemoryStore()
	dlqStore := store.NewMemoryStore()
	engine := rules.NewEngine()

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		_, err := credStore.Resolve(ctx, namespaceID) // namespace was never registered: always unauthorized
		return nil, err
	}

	m := New(credStore, factory, dlqStore, engine, nil, nil, DefaultConfig())

	result, err := m.Run(context.Background(), "ghost-ns")
	require.Error(t, err)
	assert.True(t, result.AuthFailed)
}
