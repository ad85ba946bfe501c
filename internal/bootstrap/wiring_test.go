package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/debdevops/servicehub/internal/config"
	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) (*App, string) {
	t.Helper()

	credStore := credentials.NewMemoryStore()
	dlqStore := store.NewMemoryStore()

	app, err := NewWithStores(config.Config{}, nil, credStore, dlqStore)
	require.NoError(t, err)

	ns, err := credStore.Register(context.Background(), domain.Namespace{ID: "NS1", Name: "prod"}, domain.Credential{
		BrokerConnection: "Endpoint=sb://prod",
	})
	require.NoError(t, err)

	return app, ns.ID
}

// TestDetectAndClassify covers spec.md §8 scenario 1: seeding one
// dead-lettered MaxDeliveryCountExceeded message and running one monitor
// cycle produces one Active entry classified MaxDelivery.
func TestDetectAndClassify(t *testing.T) {
	app, nsID := testApp(t)
	ctx := context.Background()

	require.NoError(t, app.SeedQueue(ctx, nsID, "q1"))
	require.NoError(t, app.EnqueueDeadLetter(ctx, nsID, "q1", domain.EntityQueue, gateway.Message{
		BrokerMessageID:  "m1",
		DeadLetterReason: "MaxDeliveryCountExceeded",
		DeliveryCount:    10,
	}))

	result, err := app.RunMonitorCycle(ctx, nsID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesCreated)

	listed, err := app.gateways.credentials.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	entries, err := queryActive(ctx, t, app, nsID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StatusActive, entries[0].Status)
	assert.Equal(t, domain.CategoryMaxDelivery, entries[0].FailureCategory)
	assert.InDelta(t, 0.99, entries[0].CategoryConfidence, 0.0001)
	assert.Equal(t, int64(10), entries[0].DeliveryCount)
}

// TestDedupOnSecondTick covers spec.md §8 scenario 2: an unchanged broker
// produces zero new rows and an unchanged deliveryCount on a second cycle.
func TestDedupOnSecondTick(t *testing.T) {
	app, nsID := testApp(t)
	ctx := context.Background()

	require.NoError(t, app.SeedQueue(ctx, nsID, "q1"))
	require.NoError(t, app.EnqueueDeadLetter(ctx, nsID, "q1", domain.EntityQueue, gateway.Message{
		BrokerMessageID:  "m1",
		DeadLetterReason: "MaxDeliveryCountExceeded",
		DeliveryCount:    10,
	}))

	_, err := app.RunMonitorCycle(ctx, nsID)
	require.NoError(t, err)

	second, err := app.RunMonitorCycle(ctx, nsID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EntriesCreated)

	entries, err := queryActive(ctx, t, app, nsID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].DeliveryCount)
}

// TestRateLimitCap covers spec.md §8 scenario 3: a rule capped at two
// replays per hour dispatches at most two of three matching entries in one
// monitor cycle, the third remaining Active.
func TestRateLimitCap(t *testing.T) {
	app, nsID := testApp(t)
	ctx := context.Background()

	require.NoError(t, app.SeedQueue(ctx, nsID, "q1"))

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, app.EnqueueDeadLetter(ctx, nsID, "q1", domain.EntityQueue, gateway.Message{
			BrokerMessageID:  id,
			DeadLetterReason: "MaxDeliveryCountExceeded",
			DeliveryCount:    10,
		}))
	}

	rule := domain.Rule{
		ID:      "R1",
		Name:    "auto-replay-max-delivery",
		Enabled: true,
		Conditions: []domain.RuleCondition{
			{Field: domain.FieldFailureCategory, Operator: domain.OpEquals, Value: string(domain.CategoryMaxDelivery)},
		},
		Action:            domain.RuleAction{AutoReplay: true},
		MaxReplaysPerHour: 2,
	}

	stored := app.ruleEngineForTest().PutRule(rule)
	require.Empty(t, stored.DisabledReason)

	_, err := app.RunMonitorCycle(ctx, nsID)
	require.NoError(t, err)

	active, err := queryByStatus(ctx, t, app, nsID, domain.StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1, "one entry should remain Active past the rate cap")

	replayed, err := queryByStatus(ctx, t, app, nsID, domain.StatusReplayed)
	require.NoError(t, err)
	assert.Len(t, replayed, 2, "exactly two entries should have been auto-replayed")

	updated := app.ruleEngineForTest().Rules()[0]
	assert.Equal(t, int64(3), updated.MatchCount)
	assert.Equal(t, int64(2), updated.SuccessCount)
}

// TestRouterWiring confirms the httpapi router built by NewWithStores
// serves requests against the same stores the monitor and replay executor
// operate on, not a disconnected copy.
func TestRouterWiring(t *testing.T) {
	app, nsID := testApp(t)
	ctx := context.Background()

	require.NoError(t, app.SeedQueue(ctx, nsID, "q1"))
	require.NoError(t, app.EnqueueDeadLetter(ctx, nsID, "q1", domain.EntityQueue, gateway.Message{
		BrokerMessageID:  "m1",
		DeadLetterReason: "MaxDeliveryCountExceeded",
		DeliveryCount:    10,
	}))

	_, err := app.RunMonitorCycle(ctx, nsID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq?namespaceId="+nsID, nil)
	resp, err := app.Router.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Total-Count"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	items, ok := body["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func queryActive(ctx context.Context, t *testing.T, app *App, nsID string) ([]domain.DlqHistoryEntry, error) {
	return queryByStatus(ctx, t, app, nsID, domain.StatusActive)
}

func queryByStatus(ctx context.Context, t *testing.T, app *App, nsID string, status domain.HistoryStatus) ([]domain.DlqHistoryEntry, error) {
	t.Helper()

	result, err := app.dlqStoreForTest().ListByFilter(ctx, store.Filter{NamespaceID: nsID, Status: status}, store.Page{Number: 1, Size: 100})
	if err != nil {
		return nil, err
	}

	return result.Items, nil
}
