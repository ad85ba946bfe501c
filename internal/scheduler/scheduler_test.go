package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/monitor"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerNamespace(t *testing.T, credStore *credentials.MemoryStore, id string) {
	t.Helper()
	_, err := credStore.Register(context.Background(), domain.Namespace{ID: id, Name: id}, domain.Credential{BrokerConnection: "sim://" + id})
	require.NoError(t, err)
}

func TestScheduler_TicksAndRunsMonitorsForActiveNamespaces(t *testing.T) {
	credStore := credentials.NewMemoryStore()
	registerNamespace(t, credStore, "ns1")
	registerNamespace(t, credStore, "ns2")

	sim := gateway.NewSimulatedGateway()
	dlqStore := store.NewMemoryStore()
	engine := rules.NewEngine()

	factory := func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
		return sim, nil
	}

	var cycles atomic.Int32
	observe := func(result monitor.CycleResult) { cycles.Add(1) }

	monitorFor := func(namespaceID string) CycleRunner {
		return monitor.New(credStore, factory, dlqStore, engine, nil, nil, monitor.DefaultConfig())
	}

	cfg := DefaultConfig()
	cfg.InitialDelay = 0
	cfg.PollInterval = 20 * time.Millisecond
	cfg.TickDeadline = 2 * time.Second
	cfg.StopGrace = time.Second

	s := New(credStore, monitorFor, cfg, nil, observe)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return cycles.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestScheduler_SkipsNamespaceStillInFlight(t *testing.T) {
	credStore := credentials.NewMemoryStore()
	registerNamespace(t, credStore, "slow-ns")

	release := make(chan struct{})

	var concurrentRuns atomic.Int32
	var maxConcurrent atomic.Int32

	// Build a scheduler with a monitorFor that blocks until release closes,
	// tracking concurrency directly rather than through monitor.Monitor
	// (which has no hook point for artificial delay), per the "no overlap
	// per namespace" invariant in spec.md §4.6.
	blockingMonitorFor := func(namespaceID string) CycleRunner {
		return monitor.New(credStore, func(ctx context.Context, id string) (gateway.BrokerGateway, error) {
			n := concurrentRuns.Add(1)
			for {
				if m := maxConcurrent.Load(); n > m {
					if maxConcurrent.CompareAndSwap(m, n) {
						break
					}
					continue
				}
				break
			}

			select {
			case <-release:
			case <-time.After(200 * time.Millisecond):
			}

			concurrentRuns.Add(-1)

			return gateway.NewSimulatedGateway(), nil
		}, store.NewMemoryStore(), rules.NewEngine(), nil, nil, monitor.DefaultConfig())
	}

	cfg := DefaultConfig()
	cfg.InitialDelay = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.TickDeadline = 2 * time.Second
	cfg.StopGrace = time.Second

	s := New(credStore, blockingMonitorFor, cfg, nil, nil)
	s.Start(context.Background())

	time.Sleep(80 * time.Millisecond)
	close(release)

	s.Stop()

	assert.LessOrEqual(t, maxConcurrent.Load(), int32(1), "the same namespace must never run concurrently across ticks")
}

func TestScheduler_StopTransitionsToStopped(t *testing.T) {
	credStore := credentials.NewMemoryStore()

	cfg := DefaultConfig()
	cfg.InitialDelay = 0
	cfg.PollInterval = 50 * time.Millisecond
	cfg.StopGrace = time.Second

	s := New(credStore, func(string) CycleRunner { return nil }, cfg, nil, nil)

	assert.Equal(t, StateStopped, s.State())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}
