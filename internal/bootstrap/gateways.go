package bootstrap

import (
	"context"
	"sync"

	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/pkg/retry"
)

// gatewayPool caches one BrokerGateway per namespace, per spec.md §5's
// "BrokerGateway instances are cached per namespace, never rebuilt per
// call" requirement. Each entry is a fresh SimulatedGateway (so namespaces
// never share queue state) wrapped in a CircuitBreakerGateway, matching
// internal/gateway's only two BrokerGateway implementations.
type gatewayPool struct {
	credentials credentials.Store
	config      retry.Config

	mu   sync.Mutex
	byID map[string]gateway.BrokerGateway
}

func newGatewayPool(credStore credentials.Store) *gatewayPool {
	return &gatewayPool{
		credentials: credStore,
		config:      retry.DefaultGatewayConfig(),
		byID:        map[string]gateway.BrokerGateway{},
	}
}

// Resolve implements both monitor.GatewayFactory and replay.GatewayFactory:
// it validates namespaceID has a usable credential, then returns its
// cached gateway, building one on first use.
func (p *gatewayPool) Resolve(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error) {
	if _, err := p.credentials.Resolve(ctx, namespaceID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gw, ok := p.byID[namespaceID]; ok {
		return gw, nil
	}

	gw := gateway.NewCircuitBreakerGateway(namespaceID, gateway.NewSimulatedGateway(), p.config)
	p.byID[namespaceID] = gw

	return gw, nil
}

// Simulated returns the raw SimulatedGateway backing namespaceID, seeding
// a pool entry if absent. Exposed so operator-facing seeding helpers (and
// tests) can pre-populate queues/topics before the monitor ever runs,
// without reaching past the pool's caching contract.
func (p *gatewayPool) Simulated(ctx context.Context, namespaceID string) (*gateway.SimulatedGateway, error) {
	gw, err := p.Resolve(ctx, namespaceID)
	if err != nil {
		return nil, err
	}

	cb, ok := gw.(*gateway.CircuitBreakerGateway)
	if !ok {
		return nil, nil
	}

	sim, ok := cb.Inner().(*gateway.SimulatedGateway)
	if !ok {
		return nil, nil
	}

	return sim, nil
}
