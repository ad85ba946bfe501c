package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/query"
	"github.com/debdevops/servicehub/internal/replay"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T) (Dependencies, *store.MemoryStore, *gateway.SimulatedGateway) {
	t.Helper()

	credStore := credentials.NewMemoryStore()
	dlqStore := store.NewMemoryStore()
	ruleEngine := rules.NewEngine()
	gw := gateway.NewSimulatedGateway()

	gateways := replay.GatewayFactory(func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return gw, nil
	})

	deps := Dependencies{
		Credentials: credStore,
		Gateways:    gateways,
		DlqStore:    dlqStore,
		Query:       query.New(dlqStore),
		Rules:       ruleEngine,
		Replay:      replay.New(dlqStore, gateways, nil),
	}

	return deps, dlqStore, gw
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestRegisterAndListNamespaces(t *testing.T) {
	deps, _, _ := testDeps(t)
	app := NewRouter(deps)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/namespaces", registerNamespaceRequest{
		Name:             "prod",
		DisplayLabel:     "Production",
		BrokerConnection: "Endpoint=sb://prod",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created NamespaceResponse
	decode(t, resp, &created)
	assert.Equal(t, "prod", created.Name)
	assert.NotEmpty(t, created.ID)

	listResp := doJSON(t, app, http.MethodGet, "/api/v1/namespaces", nil)
	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	var listed []NamespaceResponse
	decode(t, listResp, &listed)
	assert.Len(t, listed, 1)
}

func TestRegisterNamespaceRejectsMissingBrokerConnection(t *testing.T) {
	deps, _, _ := testDeps(t)
	app := NewRouter(deps)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/namespaces", registerNamespaceRequest{Name: "prod"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteNamespaceConflictsOnActiveDlqHistory(t *testing.T) {
	deps, dlqStore, _ := testDeps(t)
	app := NewRouter(deps)

	regResp := doJSON(t, app, http.MethodPost, "/api/v1/namespaces", registerNamespaceRequest{
		Name: "prod", BrokerConnection: "conn",
	})

	var ns NamespaceResponse
	decode(t, regResp, &ns)

	_, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     ns.ID,
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  1,
		},
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
	require.NoError(t, err)

	delResp := doJSON(t, app, http.MethodDelete, "/api/v1/namespaces/"+ns.ID, nil)
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)
}

func TestSendAndPeekQueue(t *testing.T) {
	deps, _, gw := testDeps(t)
	app := NewRouter(deps)

	regResp := doJSON(t, app, http.MethodPost, "/api/v1/namespaces", registerNamespaceRequest{
		Name: "prod", BrokerConnection: "conn",
	})

	var ns NamespaceResponse
	decode(t, regResp, &ns)

	gw.SeedQueue("q1")

	sendResp := doJSON(t, app, http.MethodPost, "/api/v1/namespaces/"+ns.ID+"/queues/q1/messages", sendMessageRequest{
		BrokerMessageID: "m1",
		Body:            "hello",
	})
	assert.Equal(t, http.StatusAccepted, sendResp.StatusCode)

	peekResp := doJSON(t, app, http.MethodGet, "/api/v1/namespaces/"+ns.ID+"/queues/q1/messages?queueType=active", nil)
	assert.Equal(t, http.StatusOK, peekResp.StatusCode)

	var msgs []messageResponse
	decode(t, peekResp, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].BrokerMessageID)
}

func TestDlqListPaginationHeaders(t *testing.T) {
	deps, dlqStore, _ := testDeps(t)
	app := NewRouter(deps)

	for i := 0; i < 3; i++ {
		_, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
			DedupKey: domain.DedupKey{
				NamespaceID:     "NS1",
				EntityName:      "q1",
				EntityType:      domain.EntityQueue,
				BrokerMessageID: "m" + string(rune('1'+i)),
				SequenceNumber:  int64(i),
			},
		}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
		require.NoError(t, err)
	}

	resp := doJSON(t, app, http.MethodGet, "/api/v1/dlq?namespaceId=NS1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-Total-Count"))
	assert.Equal(t, "1", resp.Header.Get("X-Page-Number"))
	assert.Equal(t, "20", resp.Header.Get("X-Page-Size"))
	resp.Body.Close()
}

func TestRuleCrudAndTest(t *testing.T) {
	deps, dlqStore, _ := testDeps(t)
	app := NewRouter(deps)

	_, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  1,
		},
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
	require.NoError(t, err)

	createResp := doJSON(t, app, http.MethodPost, "/api/v1/rules", ruleRequest{
		Name:    "auto-replay-max-delivery",
		Enabled: true,
		Conditions: []ruleConditionDTO{
			{Field: "FailureCategory", Operator: "Equals", Value: "MaxDelivery"},
		},
		Action:            ruleActionDTO{AutoReplay: true},
		MaxReplaysPerHour: 10,
	})
	assert.Equal(t, http.StatusCreated, createResp.StatusCode)

	var created ruleResponse
	decode(t, createResp, &created)
	assert.NotEmpty(t, created.ID)

	testResp := doJSON(t, app, http.MethodPost, "/api/v1/rules:test", ruleRequest{
		Conditions: []ruleConditionDTO{
			{Field: "FailureCategory", Operator: "Equals", Value: "MaxDelivery"},
		},
		Action: ruleActionDTO{},
	})
	assert.Equal(t, http.StatusOK, testResp.StatusCode)

	var testResult testRuleResponse
	decode(t, testResp, &testResult)
	assert.Len(t, testResult.MatchedEntries, 1)
	assert.Equal(t, 1, testResult.Tested)
	assert.Zero(t, testResult.EstimatedSuccessRate)

	listResp := doJSON(t, app, http.MethodGet, "/api/v1/rules", nil)
	var listed []ruleResponse
	decode(t, listResp, &listed)
	assert.Len(t, listed, 1)

	delResp := doJSON(t, app, http.MethodDelete, "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestReplayAllRunsMatchingEntriesThroughExecutor(t *testing.T) {
	deps, dlqStore, gw := testDeps(t)
	app := NewRouter(deps)

	gw.SeedQueue("q1")

	result, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  1,
		},
		BodyPreview: "payload",
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
	require.NoError(t, err)

	createResp := doJSON(t, app, http.MethodPost, "/api/v1/rules", ruleRequest{
		Name:    "bulk-replay-rule",
		Enabled: true,
		Conditions: []ruleConditionDTO{
			{Field: "FailureCategory", Operator: "Equals", Value: "MaxDelivery"},
		},
		Action:            ruleActionDTO{AutoReplay: false},
		MaxReplaysPerHour: 10,
	})

	var created ruleResponse
	decode(t, createResp, &created)

	replayResp := doJSON(t, app, http.MethodPost, "/api/v1/dlq:replayAll?ruleId="+created.ID, nil)
	assert.Equal(t, http.StatusOK, replayResp.StatusCode)

	var replayResult replayAllResponse
	decode(t, replayResp, &replayResult)
	assert.Equal(t, 1, replayResult.Matched)
	assert.Equal(t, 1, replayResult.Replayed)
	assert.Equal(t, 0, replayResult.Failed)

	entry, err := dlqStore.Get(context.Background(), result.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReplayed, entry.Status)
}

func TestDlqNotesRoundTrip(t *testing.T) {
	deps, dlqStore, _ := testDeps(t)
	app := NewRouter(deps)

	result, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  1,
		},
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
	require.NoError(t, err)

	id := strconv.FormatInt(result.Entry.ID, 10)

	patchResp := doJSON(t, app, http.MethodPatch, "/api/v1/dlq/"+id+"/notes", notesRequest{Notes: "investigated, safe to retry"})
	assert.Equal(t, http.StatusOK, patchResp.StatusCode)

	getResp := doJSON(t, app, http.MethodGet, "/api/v1/dlq/"+id, nil)
	var detail map[string]any
	decode(t, getResp, &detail)

	entry := detail["entry"].(map[string]any)
	assert.Equal(t, "investigated, safe to retry", entry["userNotes"])
}

func TestDlqResolve(t *testing.T) {
	deps, dlqStore, _ := testDeps(t)
	app := NewRouter(deps)

	result, err := dlqStore.UpsertByDedupKey(context.Background(), domain.DlqHistoryEntry{
		DedupKey: domain.DedupKey{
			NamespaceID:     "NS1",
			EntityName:      "q1",
			EntityType:      domain.EntityQueue,
			BrokerMessageID: "m1",
			SequenceNumber:  1,
		},
	}, func(domain.DlqHistoryEntry) (domain.FailureCategory, float64) { return domain.CategoryMaxDelivery, 0.9 })
	require.NoError(t, err)

	id := strconv.FormatInt(result.Entry.ID, 10)

	resolveResp := doJSON(t, app, http.MethodPost, "/api/v1/dlq/"+id+"/resolve", notesRequest{Notes: "known noise, ignoring"})
	assert.Equal(t, http.StatusOK, resolveResp.StatusCode)

	var detail map[string]any
	decode(t, resolveResp, &detail)

	entry := detail["entry"].(map[string]any)
	assert.Equal(t, string(domain.StatusDiscarded), entry["status"])
	assert.Equal(t, "known noise, ignoring", entry["userNotes"])
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	deps, _, _ := testDeps(t)
	app := NewRouter(deps)

	liveResp := doJSON(t, app, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, liveResp.StatusCode)

	readyResp := doJSON(t, app, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, readyResp.StatusCode)
}
