package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/debdevops/servicehub/internal/domain"
)

// entityState is one queue/subscription's simulated broker state.
type entityState struct {
	entityType domain.EntityType
	active     []Message
	dlq        []Message
	nextSeq    int64
}

// SimulatedGateway is an in-memory BrokerGateway good enough to drive the
// end-to-end scenarios in spec.md §8 without a live broker, per
// spec.md §4.1 and the design notes' simulator guidance.
type SimulatedGateway struct {
	mu       sync.Mutex
	queues   map[string]*entityState
	subs     map[string]map[string]*entityState // topic -> subscription name -> state
	failNext map[string]*Error
}

// NewSimulatedGateway builds an empty simulator.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		queues:   map[string]*entityState{},
		subs:     map[string]map[string]*entityState{},
		failNext: map[string]*Error{},
	}
}

// FailNextCall arranges for the next call naming key (e.g. "peekDlq:orders")
// to return err instead of executing, then clears the arrangement. Test-only
// hook for exercising gateway error paths.
func (g *SimulatedGateway) FailNextCall(key string, err *Error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[key] = err
}

func (g *SimulatedGateway) takeFailure(key string) *Error {
	err, ok := g.failNext[key]
	if !ok {
		return nil
	}

	delete(g.failNext, key)

	return err
}

// SeedQueue ensures a queue named entity exists, creating it if absent.
func (g *SimulatedGateway) SeedQueue(entity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureQueue(entity)
}

func (g *SimulatedGateway) ensureQueue(entity string) *entityState {
	st, ok := g.queues[entity]
	if !ok {
		st = &entityState{entityType: domain.EntityQueue}
		g.queues[entity] = st
	}

	return st
}

// SeedSubscription ensures a subscription exists under topic.
func (g *SimulatedGateway) SeedSubscription(topic, subscription string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureSubscription(topic, subscription)
}

func (g *SimulatedGateway) ensureSubscription(topic, subscription string) *entityState {
	if _, ok := g.subs[topic]; !ok {
		g.subs[topic] = map[string]*entityState{}
	}

	st, ok := g.subs[topic][subscription]
	if !ok {
		st = &entityState{entityType: domain.EntitySubscription}
		g.subs[topic][subscription] = st
	}

	return st
}

// EnqueueDeadLetter directly places msg into entity's DLQ, bypassing a real
// send+deadLetter round trip. Used by tests and demo helpers to seed monitor
// scenarios; DeadLetter builds its own dead-lettered messages and does not
// call it.
func (g *SimulatedGateway) EnqueueDeadLetter(entity string, entityType domain.EntityType, msg Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateFor(entity, entityType)
	msg.SequenceNumber = st.nextSeq
	st.nextSeq++
	st.dlq = append(st.dlq, msg)
}

func (g *SimulatedGateway) stateFor(entity string, entityType domain.EntityType) *entityState {
	if entityType == domain.EntitySubscription {
		return g.ensureSubscription("", entity)
	}

	return g.ensureQueue(entity)
}

func (g *SimulatedGateway) ListQueues(ctx context.Context) ([]EntitySummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure("listQueues"); err != nil {
		return nil, err
	}

	out := make([]EntitySummary, 0, len(g.queues))
	for name, st := range g.queues {
		out = append(out, EntitySummary{Name: name, ActiveCount: int64(len(st.active)), DlqCount: int64(len(st.dlq))})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (g *SimulatedGateway) ListTopics(ctx context.Context) ([]EntitySummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure("listTopics"); err != nil {
		return nil, err
	}

	out := make([]EntitySummary, 0, len(g.subs))
	for topic := range g.subs {
		out = append(out, EntitySummary{Name: topic})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (g *SimulatedGateway) ListSubscriptions(ctx context.Context, topic string) ([]EntitySummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure("listSubscriptions:" + topic); err != nil {
		return nil, err
	}

	out := make([]EntitySummary, 0, len(g.subs[topic]))
	for name, st := range g.subs[topic] {
		out = append(out, EntitySummary{Name: name, ActiveCount: int64(len(st.active)), DlqCount: int64(len(st.dlq))})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (g *SimulatedGateway) Peek(ctx context.Context, entity string, entityType domain.EntityType, fromSequence int64, max int) ([]Message, error) {
	return g.peek(entity, entityType, fromSequence, max, false)
}

func (g *SimulatedGateway) PeekDlq(ctx context.Context, entity string, entityType domain.EntityType, fromSequence int64, max int) ([]Message, error) {
	return g.peek(entity, entityType, fromSequence, max, true)
}

func (g *SimulatedGateway) peek(entity string, entityType domain.EntityType, fromSequence int64, max int, dlq bool) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	op := "peek"
	if dlq {
		op = "peekDlq"
	}

	if err := g.takeFailure(op + ":" + entity); err != nil {
		return nil, err
	}

	if max < 1 || max > 100 {
		return nil, NewError(KindProtocol, fmt.Sprintf("max out of range [1,100]: %d", max), nil)
	}

	st := g.stateFor(entity, entityType)

	src := st.active
	if dlq {
		src = st.dlq
	}

	var out []Message
	for _, m := range src {
		if m.SequenceNumber < fromSequence {
			continue
		}

		out = append(out, m)
		if len(out) >= max {
			break
		}
	}

	return out, nil
}

func (g *SimulatedGateway) Send(ctx context.Context, entity string, msg Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure("send:" + entity); err != nil {
		return err
	}

	st := g.ensureQueue(entity)
	msg.SequenceNumber = st.nextSeq
	st.nextSeq++
	st.active = append(st.active, msg)

	return nil
}

func (g *SimulatedGateway) DeadLetter(ctx context.Context, entity string, entityType domain.EntityType, count int, reason, errorDescription string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if count < 1 || count > 10 {
		return NewError(KindProtocol, fmt.Sprintf("count out of range [1,10]: %d", count), nil)
	}

	st := g.stateFor(entity, entityType)

	for i := 0; i < count; i++ {
		msg := Message{
			BrokerMessageID:            fmt.Sprintf("%s-dlqtest-%d", entity, st.nextSeq),
			SequenceNumber:             st.nextSeq,
			DeadLetterReason:           reason,
			DeadLetterErrorDescription: errorDescription,
			DeliveryCount:              1,
			ContentType:                "application/octet-stream",
		}
		st.nextSeq++
		st.dlq = append(st.dlq, msg)
	}

	return nil
}

func (g *SimulatedGateway) RuntimeCounts(ctx context.Context, entity string, entityType domain.EntityType) (RuntimeCounts, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure("runtimeCounts:" + entity); err != nil {
		return RuntimeCounts{}, err
	}

	st := g.stateFor(entity, entityType)

	return RuntimeCounts{Active: int64(len(st.active)), Dlq: int64(len(st.dlq))}, nil
}
