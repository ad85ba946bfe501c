// Package scheduler implements MonitorScheduler: the process-wide
// supervisor that fans out DlqMonitor invocations across active namespaces
// on a fixed tick, per spec.md §4.6.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/monitor"
	"github.com/debdevops/servicehub/pkg/log"
)

// State is the scheduler's lifecycle state, per spec.md §4.6.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// Config bounds the scheduler's tick cadence and parallelism, per
// spec.md §4.6 and SPEC_FULL.md §6.
type Config struct {
	PollInterval      time.Duration
	MaxParallel       int
	TickDeadline       time.Duration // default 5x PollInterval
	StopGrace         time.Duration
	InitialDelay      time.Duration
}

// DefaultConfig returns the spec-mandated defaults: 10s tick, 10 workers,
// 5x tick deadline, 10s stop grace, ~5s initial delay.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		MaxParallel:  10,
		TickDeadline: 50 * time.Second,
		StopGrace:    10 * time.Second,
		InitialDelay: 5 * time.Second,
	}
}

// CycleObserver receives each namespace's CycleResult as it completes, for
// metrics/logging. May be nil.
type CycleObserver func(result monitor.CycleResult)

// CycleRunner runs one monitor cycle for a namespace. *monitor.Monitor
// satisfies this directly; bootstrap wraps it to record per-cycle metrics
// without this package needing to know about internal/metrics.
type CycleRunner interface {
	Run(ctx context.Context, namespaceID string) (monitor.CycleResult, error)
}

// Scheduler supervises DlqMonitor fan-out. States progress
// Starting -> Running -> Stopping -> Stopped.
type Scheduler struct {
	credentials credentials.Store
	monitorFor  func(namespaceID string) CycleRunner
	config      Config
	logger      log.Logger
	observe     CycleObserver

	state    atomic.Int32
	inFlight sync.Map // namespaceID -> struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. monitorFor resolves (or lazily builds) the
// per-namespace CycleRunner to invoke, matching spec.md §5's "BrokerGateway
// instances are cached per namespace" requirement at the caller's
// discretion.
func New(credStore credentials.Store, monitorFor func(namespaceID string) CycleRunner, config Config, logger log.Logger, observe CycleObserver) *Scheduler {
	if logger == nil {
		logger = log.None
	}

	if config.PollInterval <= 0 {
		config = DefaultConfig()
	}

	s := &Scheduler{
		credentials: credStore,
		monitorFor:  monitorFor,
		config:      config,
		logger:      logger,
		observe:     observe,
	}
	s.state.Store(int32(StateStopped))

	return s
}

// State reports the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Start transitions Stopped -> Starting -> Running and begins ticking.
// Start is a no-op if the scheduler is already running or starting.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
}

// run is the scheduler's tick loop, started by Start.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	select {
	case <-time.After(s.config.InitialDelay):
	case <-s.stopCh:
		s.state.Store(int32(StateStopped))
		return
	case <-ctx.Done():
		s.state.Store(int32(StateStopped))
		return
	}

	s.state.Store(int32(StateRunning))

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			s.state.Store(int32(StateStopped))
			return
		case <-ctx.Done():
			s.state.Store(int32(StateStopped))
			return
		}
	}
}

// tick snapshots active namespaces and dispatches one Monitor.Run per
// namespace to a bounded worker pool, skipping any namespace still
// in-flight from a prior tick, per spec.md §4.6 steps 1-3.
func (s *Scheduler) tick(ctx context.Context) {
	ids, err := s.credentials.ActiveNamespaceIDs(ctx)
	if err != nil {
		s.logger.Errorf("scheduler: failed to snapshot active namespaces: %v", err)
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, s.config.TickDeadline)
	defer cancel()

	// Stop cancels the monitors this tick has in flight, not only the loop.
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-tickCtx.Done():
		}
	}()

	sem := make(chan struct{}, s.config.MaxParallel)
	var wg sync.WaitGroup

	for _, id := range ids {
		if _, alreadyRunning := s.inFlight.LoadOrStore(id, struct{}{}); alreadyRunning {
			s.logger.Debugf("scheduler: namespace %s still in flight, skipping this tick", id)
			continue
		}

		wg.Add(1)

		go func(namespaceID string) {
			defer wg.Done()
			defer s.inFlight.Delete(namespaceID)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-tickCtx.Done():
				return
			}

			m := s.monitorFor(namespaceID)
			if m == nil {
				return
			}

			result, err := m.Run(tickCtx, namespaceID)
			if err != nil {
				s.logger.Warnf("scheduler: namespace %s monitor cycle failed: %v", namespaceID, err)
			}

			if s.observe != nil {
				s.observe(result)
			}
		}(id)
	}

	wg.Wait()
}

// Stop transitions to Stopping, signals cancellation, and waits up to
// StopGrace for the run loop to exit, per spec.md §4.6's cancellation
// contract.
func (s *Scheduler) Stop() {
	current := s.State()
	if current == StateStopped {
		return
	}

	s.state.Store(int32(StateStopping))
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(s.config.StopGrace):
		s.logger.Warnf("scheduler: stop grace period elapsed, abandoning in-flight monitors")
	}

	s.state.Store(int32(StateStopped))
}
