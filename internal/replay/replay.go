// Package replay implements ReplayExecutor: consuming rule-triggered or
// operator-triggered replay jobs, re-sending a dead-lettered message's
// payload through the gateway, and recording the outcome, per spec.md
// §4.8.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/gateway"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/debdevops/servicehub/pkg/log"
	"github.com/debdevops/servicehub/pkg/retry"
)

// Job is one replay request, submitted either by the RuleEngine
// (auto-replay) or by an operator via the REST surface (manual replay).
type Job struct {
	EntryID    int64
	ReplayedBy string // rule id, or "manual"
	Strategy   string
	Action     domain.RuleAction
}

// JobFromDispatch builds a Job from a rule's auto-replay dispatch.
func JobFromDispatch(d rules.Dispatch) Job {
	return Job{
		EntryID:    d.Entry.ID,
		ReplayedBy: d.Rule.ID,
		Strategy:   "rule",
		Action:     d.Rule.Action,
	}
}

// GatewayFactory resolves the BrokerGateway to replay through for a given
// namespace, matching the monitor package's per-namespace gateway
// resolution contract.
type GatewayFactory func(ctx context.Context, namespaceID string) (gateway.BrokerGateway, error)

// SuccessObserver is notified when a rule-driven replay succeeds, so the
// RuleEngine can increment that rule's successCount. May be nil.
type SuccessObserver func(ruleID string)

// Executor drains Jobs one at a time, per spec.md §4.8's five numbered
// steps. It is safe to run N Executors concurrently over the same channel;
// nothing here assumes single-consumer semantics.
type Executor struct {
	dlqStore     store.DlqStore
	gateways     GatewayFactory
	logger       log.Logger
	onSuccess    SuccessObserver
	now          func() time.Time
	retryConfig  func(action domain.RuleAction) retry.Config
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithSuccessObserver registers a callback invoked after a successful
// replay, so the caller can bump the originating rule's successCount.
func WithSuccessObserver(f SuccessObserver) Option {
	return func(e *Executor) { e.onSuccess = f }
}

// WithClock overrides the executor's time source; tests use this to make
// ReplayedAt deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRetryConfig overrides how a Job's RuleAction is translated into a
// retry.Config; tests use this to shrink backoff delays so retry scenarios
// run instantly instead of waiting out real-world backoff.
func WithRetryConfig(f func(action domain.RuleAction) retry.Config) Option {
	return func(e *Executor) { e.retryConfig = f }
}

// New builds an Executor.
func New(dlqStore store.DlqStore, gateways GatewayFactory, logger log.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = log.None
	}

	e := &Executor{
		dlqStore: dlqStore,
		gateways: gateways,
		logger:   logger,
		now:      time.Now,
		retryConfig: func(action domain.RuleAction) retry.Config {
			return retry.DefaultReplayConfig(action.MaxRetries, action.ExponentialBackoff)
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run drains jobs from ch until it is closed or ctx is cancelled,
// processing each synchronously. Callers wanting parallelism run multiple
// Run goroutines over the same channel.
func (e *Executor) Run(ctx context.Context, jobs <-chan Job) {
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}

			e.Process(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// Outcome reports what Process did with one Job, for callers (the bulk
// replay handler in particular) that need a per-entry result rather than
// just the side-effected DlqStore row.
type Outcome struct {
	EntryID int64
	Success bool
	Skipped bool // entry was no longer Active; job dropped
	Error   string
}

// Process executes one Job through spec.md §4.8's five steps: load, sleep,
// attempt-with-retry, and record the outcome atomically.
func (e *Executor) Process(ctx context.Context, job Job) Outcome {
	entry, err := e.dlqStore.Get(ctx, job.EntryID)
	if err != nil {
		e.logger.Warnf("replay: entry %d: failed to load: %v", job.EntryID, err)
		return Outcome{EntryID: job.EntryID, Skipped: true, Error: err.Error()}
	}

	// Step 1: idempotency — a job for an entry no longer Active (already
	// replayed, archived, discarded, or mid-retry from a concurrent job)
	// is dropped silently.
	if entry.Status != domain.StatusActive {
		e.logger.Debugf("replay: entry %d is %s, not Active; dropping job", entry.ID, entry.Status)
		return Outcome{EntryID: entry.ID, Skipped: true}
	}

	gw, err := e.gateways(ctx, entry.NamespaceID)
	if err != nil {
		e.fail(ctx, entry, job, fmt.Errorf("resolving gateway: %w", err))
		return Outcome{EntryID: entry.ID, Error: err.Error()}
	}

	cfg := e.retryConfig(job.Action)

	// Step 2: initial delay before the first attempt.
	if job.Action.DelaySeconds > 0 {
		t := time.NewTimer(time.Duration(job.Action.DelaySeconds) * time.Second)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Outcome{EntryID: entry.ID, Error: ctx.Err().Error()}
		}
	}

	target := job.Action.TargetEntity
	if target == "" {
		target = entry.EntityName
	}

	msg := e.reconstruct(entry)

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := cfg.Sleep(ctx, attempt); err != nil {
				return Outcome{EntryID: entry.ID, Error: err.Error()}
			}
		}

		sendErr := gw.Send(ctx, target, msg)
		if sendErr == nil {
			e.succeed(ctx, entry, job, target)
			return Outcome{EntryID: entry.ID, Success: true}
		}

		lastErr = sendErr
		e.logger.Warnf("replay: entry %d attempt %d/%d to %s failed: %v", entry.ID, attempt+1, cfg.MaxRetries+1, target, sendErr)
	}

	e.fail(ctx, entry, job, lastErr)

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	return Outcome{EntryID: entry.ID, Error: errMsg}
}

// reconstruct rebuilds an outgoing Message from the entry's stored preview
// and application properties. Payloads larger than the stored bodyPreview
// truncation are replayed lossily: the entry's data model (spec.md §3)
// persists only a truncated preview plus a hash, not the full original
// body, so an exact-bytes replay of an oversized message is not possible
// from history alone.
func (e *Executor) reconstruct(entry domain.DlqHistoryEntry) gateway.Message {
	return gateway.Message{
		BrokerMessageID:            entry.BrokerMessageID,
		SequenceNumber:             entry.SequenceNumber,
		DeadLetterReason:           entry.DeadLetterReason,
		DeadLetterErrorDescription: entry.DeadLetterErrorDescription,
		ContentType:                entry.ContentType,
		Body:                       []byte(entry.BodyPreview),
		ApplicationProperties:      entry.ApplicationProperties,
	}
}

// succeed records step 4: atomic status transition plus replay history,
// then notifies the success observer so the RuleEngine can bump
// successCount.
func (e *Executor) succeed(ctx context.Context, entry domain.DlqHistoryEntry, job Job, target string) {
	now := e.now()

	replay := domain.ReplayHistoryEntry{
		DlqHistoryEntryID: entry.ID,
		ReplayedAt:        now,
		ReplayedBy:        job.ReplayedBy,
		Strategy:          job.Strategy,
		ReplayedToEntity:  target,
		OutcomeStatus:     domain.OutcomeSuccess,
	}

	if err := e.dlqStore.ReplayTransition(ctx, entry.ID, domain.StatusReplayed, now, replay); err != nil {
		e.logger.Errorf("replay: entry %d: failed to record success: %v", entry.ID, err)
		return
	}

	if e.onSuccess != nil && job.ReplayedBy != "" && job.Strategy == "rule" {
		e.onSuccess(job.ReplayedBy)
	}
}

// fail records step 5's terminal outcome: atomic status transition to
// ReplayFailed plus a Failed replay history row.
func (e *Executor) fail(ctx context.Context, entry domain.DlqHistoryEntry, job Job, cause error) {
	now := e.now()

	errDetails := ""
	if cause != nil {
		errDetails = cause.Error()
	}

	target := job.Action.TargetEntity
	if target == "" {
		target = entry.EntityName
	}

	replay := domain.ReplayHistoryEntry{
		DlqHistoryEntryID: entry.ID,
		ReplayedAt:        now,
		ReplayedBy:        job.ReplayedBy,
		Strategy:          job.Strategy,
		ReplayedToEntity:  target,
		OutcomeStatus:     domain.OutcomeFailed,
		ErrorDetails:      errDetails,
	}

	if err := e.dlqStore.ReplayTransition(ctx, entry.ID, domain.StatusReplayFailed, now, replay); err != nil {
		e.logger.Errorf("replay: entry %d: failed to record failure: %v", entry.ID, err)
	}
}
