// Package store implements the DlqStore capability: the persistent,
// transactional, single-writer-per-row history of dead-lettered messages,
// per spec.md §4.3.
package store

import (
	"context"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
)

// Filter narrows a listByFilter query, per spec.md §4.9.
type Filter struct {
	NamespaceID      string
	Entity           string
	Status           domain.HistoryStatus
	Category         domain.FailureCategory
	MinDeliveryCount int64
	TextSearch       string
	From             *time.Time
	To               *time.Time
}

// Page is a 1-indexed page request.
type Page struct {
	Number   int
	Size     int
}

// ListResult is the paginated envelope spec.md §4.9 requires.
type ListResult struct {
	Items      []domain.DlqHistoryEntry
	TotalCount int64
	HasNext    bool
	HasPrev    bool
}

// UpsertResult reports whether upsertByDedupKey created a new row.
type UpsertResult struct {
	Created bool
	Entry   domain.DlqHistoryEntry
}

// CategoryTotal is one row of a by-category summary breakdown.
type CategoryTotal struct {
	Category domain.FailureCategory
	Count    int64
}

// StatusTotal is one row of a by-status summary breakdown.
type StatusTotal struct {
	Status domain.HistoryStatus
	Count  int64
}

// EntityTotal is one row of a by-entity summary breakdown.
type EntityTotal struct {
	Entity string
	Count  int64
}

// DailyTotal is one day's new/resolved counts.
type DailyTotal struct {
	Date     time.Time
	New      int64
	Resolved int64
}

// Summary is the aggregate result spec.md §4.9's summary operation
// returns.
type Summary struct {
	ByStatus   []StatusTotal
	ByCategory []CategoryTotal
	ByEntity   []EntityTotal
	Daily      []DailyTotal
	Oldest     *time.Time
	Newest     *time.Time
}

// DlqStore is the persistent, transactional history of dead-lettered
// messages, per spec.md §4.3. Implementations must enforce the
// deduplication-key uniqueness invariant and the status-transition
// finality invariant.
type DlqStore interface {
	// UpsertByDedupKey inserts a new row if entry.DedupKey is absent, or
	// merges deliveryCount/reason fields into the existing row if present,
	// per spec.md §4.3 and §3's uniqueness invariant. classify is invoked
	// exactly once, inside the same transaction, only when the row is
	// newly created.
	UpsertByDedupKey(ctx context.Context, entry domain.DlqHistoryEntry, classify func(domain.DlqHistoryEntry) (domain.FailureCategory, float64)) (UpsertResult, error)

	SetStatus(ctx context.Context, id int64, next domain.HistoryStatus, now time.Time) error
	AppendReplay(ctx context.Context, replay domain.ReplayHistoryEntry) error

	// ReplayTransition atomically sets status and appends a replay history
	// row in one transaction, per spec.md §4.8's atomicity requirement.
	ReplayTransition(ctx context.Context, id int64, next domain.HistoryStatus, now time.Time, replay domain.ReplayHistoryEntry) error

	Get(ctx context.Context, id int64) (domain.DlqHistoryEntry, error)
	ListByFilter(ctx context.Context, filter Filter, page Page) (ListResult, error)
	Timeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error)
	ReplayHistory(ctx context.Context, id int64) ([]domain.ReplayHistoryEntry, error)
	Aggregate(ctx context.Context, from, to time.Time) (Summary, error)

	SetUserNotes(ctx context.Context, id int64, notes string) error
}
