package rules

import (
	"sync"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
)

// Dispatch is the replay job an Engine hands to the replay subsystem when a
// rule matches and its action requests auto-replay.
type Dispatch struct {
	Entry domain.DlqHistoryEntry
	Rule  domain.Rule
}

// Engine evaluates rules against dead-lettered entries and enforces each
// rule's per-hour replay cap, per spec.md §4.7.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]domain.Rule
	limiter *SlidingWindowLimiter
}

// NewEngine builds an Engine with an empty rule set.
func NewEngine() *Engine {
	return &Engine{
		rules:   map[string]domain.Rule{},
		limiter: NewSlidingWindowLimiter(),
	}
}

// PutRule validates and stores rule. A rule with an invalid regex condition
// is stored with DisabledReason set rather than rejected outright, so it
// still shows up in listings, per spec.md §7.
func (e *Engine) PutRule(rule domain.Rule) domain.Rule {
	if err := ValidateRule(rule); err != nil {
		rule.DisabledReason = err.Error()
		rule.Enabled = false
	} else {
		rule.DisabledReason = ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule

	return rule
}

// DeleteRule removes rule id from the engine.
func (e *Engine) DeleteRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// Rules returns a snapshot of every stored rule.
func (e *Engine) Rules() []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}

	return out
}

// EvaluateBatch matches entries against every enabled rule, visiting rules
// in map iteration order (neither a precedence nor the insertion order is
// guaranteed; callers needing a stable order should sort entries/rules
// themselves), and returns one
// Dispatch per (entry, rule) match whose action requests auto-replay and
// whose rate limit has remaining budget. A matched rule that is over its
// per-hour cap increments MatchCount but produces no Dispatch, per spec.md
// §8 invariant 6.
func (e *Engine) EvaluateBatch(now time.Time, entries []domain.DlqHistoryEntry) []Dispatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	var dispatches []Dispatch

	for _, entry := range entries {
		for id, rule := range e.rules {
			if !rule.Enabled || rule.DisabledReason != "" {
				continue
			}

			if !Matches(entry, rule) {
				continue
			}

			rule.MatchCount++
			e.rules[id] = rule

			if !rule.Action.AutoReplay {
				continue
			}

			if !e.limiter.Allow(now, rule.ID, rule.MaxReplaysPerHour) {
				continue
			}

			dispatches = append(dispatches, Dispatch{Entry: entry, Rule: rule})
		}
	}

	return dispatches
}

// ReplayRule evaluates the stored rule identified by ruleID against
// entries, applying the same per-rule sliding-window rate cap as
// EvaluateBatch, and returns one Dispatch per entry that matches and is
// within budget, per spec.md §6's POST /dlq:replayAll?ruleId=... bulk
// operation. Unlike EvaluateBatch, ReplayRule ignores
// rule.Action.AutoReplay: the operator's explicit request is the trigger,
// not the rule's own auto-replay policy.
func (e *Engine) ReplayRule(now time.Time, ruleID string, entries []domain.DlqHistoryEntry) (dispatched []Dispatch, matched, skipped int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[ruleID]
	if !ok || rule.DisabledReason != "" {
		return nil, 0, 0
	}

	for _, entry := range entries {
		if !Matches(entry, rule) {
			continue
		}

		matched++
		rule.MatchCount++
		e.rules[ruleID] = rule

		if !e.limiter.Allow(now, rule.ID, rule.MaxReplaysPerHour) {
			skipped++
			continue
		}

		dispatched = append(dispatched, Dispatch{Entry: entry, Rule: rule})
	}

	return dispatched, matched, skipped
}

// IncrementSuccessCount bumps ruleID's successCount by one, called by the
// ReplayExecutor's success observer after a rule-driven replay succeeds.
func (e *Engine) IncrementSuccessCount(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[ruleID]
	if !ok {
		return
	}

	rule.SuccessCount++
	e.rules[ruleID] = rule
}

// maxSampleMatches caps TestResult.MatchedEntries at spec.md §4.7 and §8
// scenario 6's sampleMatches size, regardless of how many entries match.
const maxSampleMatches = 20

// TestResult is the dry-run outcome of evaluating one rule against a
// candidate set of entries without mutating counters or consuming rate
// limit budget, per spec.md §4.7 and §8 scenario 6.
type TestResult struct {
	RuleID string

	// Tested is the total number of entries scanned, independent of how
	// many matched.
	Tested int

	// EstimatedSuccessRate is the rule's historical successCount/matchCount,
	// or 0 when the rule has never matched anything yet.
	EstimatedSuccessRate float64

	// MatchedEntries holds at most maxSampleMatches of the matching
	// entries, per spec.md §8 scenario 6's sampleMatches cap.
	MatchedEntries []domain.DlqHistoryEntry
}

// TestRule evaluates rule against entries without recording matches or
// consuming replay budget, so operators can validate a rule before saving
// it, per spec.md §4.7 and §8 scenario 6.
func (e *Engine) TestRule(rule domain.Rule, entries []domain.DlqHistoryEntry) TestResult {
	result := TestResult{
		RuleID:               rule.ID,
		Tested:               len(entries),
		EstimatedSuccessRate: estimatedSuccessRate(rule),
	}

	if err := ValidateRule(rule); err != nil {
		return result
	}

	for _, entry := range entries {
		if !Matches(entry, rule) {
			continue
		}

		if len(result.MatchedEntries) >= maxSampleMatches {
			continue
		}

		result.MatchedEntries = append(result.MatchedEntries, entry)
	}

	return result
}

// estimatedSuccessRate reports rule's historical successCount/matchCount,
// or 0 when it has never matched anything yet.
func estimatedSuccessRate(rule domain.Rule) float64 {
	if rule.MatchCount == 0 {
		return 0
	}

	return float64(rule.SuccessCount) / float64(rule.MatchCount)
}

// SlidingWindowLimiter enforces a rolling 3600-second cap on replays
// dispatched per rule, per spec.md §4.7 and §8 invariant 6.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewSlidingWindowLimiter builds an empty limiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{events: map[string][]time.Time{}}
}

// window is the sliding rate-limit duration, per spec.md §4.7.
const window = time.Hour

// Allow reports whether ruleID may dispatch one more replay at now given
// maxPerHour, recording the dispatch if so. maxPerHour <= 0 means
// unlimited.
func (l *SlidingWindowLimiter) Allow(now time.Time, ruleID string, maxPerHour int) bool {
	if maxPerHour <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)

	events := l.events[ruleID]
	kept := events[:0]

	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= maxPerHour {
		l.events[ruleID] = kept
		return false
	}

	kept = append(kept, now)
	l.events[ruleID] = kept

	return true
}
