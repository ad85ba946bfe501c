package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
)

// MemoryStore is an in-memory DlqStore, used by tests and the
// simulator-backed bootstrap wiring.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*domain.DlqHistoryEntry
	byKey   map[domain.DedupKey]int64
	replays map[int64][]domain.ReplayHistoryEntry
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    map[int64]*domain.DlqHistoryEntry{},
		byKey:   map[domain.DedupKey]int64{},
		replays: map[int64][]domain.ReplayHistoryEntry{},
	}
}

func (s *MemoryStore) UpsertByDedupKey(ctx context.Context, entry domain.DlqHistoryEntry, classify func(domain.DlqHistoryEntry) (domain.FailureCategory, float64)) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[entry.DedupKey]; ok {
		existing := s.byID[id]

		if entry.DeliveryCount > existing.DeliveryCount {
			existing.DeliveryCount = entry.DeliveryCount
		}

		if entry.DeadLetterReason != existing.DeadLetterReason {
			existing.DeadLetterReason = entry.DeadLetterReason
		}

		if entry.DeadLetterErrorDescription != existing.DeadLetterErrorDescription {
			existing.DeadLetterErrorDescription = entry.DeadLetterErrorDescription
		}

		return UpsertResult{Created: false, Entry: *existing}, nil
	}

	s.nextID++
	entry.ID = s.nextID
	entry.DetectedAtUTC = time.Now().UTC()
	entry.Status = domain.StatusActive

	if classify != nil {
		cat, conf := classify(entry)
		entry.FailureCategory = cat
		entry.CategoryConfidence = conf
	}

	stored := entry
	s.byID[entry.ID] = &stored
	s.byKey[entry.DedupKey] = entry.ID

	return UpsertResult{Created: true, Entry: stored}, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id int64, next domain.HistoryStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setStatusLocked(id, next, now)
}

func (s *MemoryStore) setStatusLocked(id int64, next domain.HistoryStatus, now time.Time) error {
	entry, ok := s.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	if !entry.Status.CanTransitionTo(next) {
		return apperr.New(apperr.KindBusinessRule, "invalid_status_transition", "status transition not permitted").
			WithDetails(map[string]any{"from": string(entry.Status), "to": string(next)})
	}

	entry.Status = next

	switch next {
	case domain.StatusReplayed:
		entry.ReplayedAt = &now
		success := true
		entry.ReplaySuccess = &success
	case domain.StatusReplayFailed:
		entry.ReplayedAt = &now
		success := false
		entry.ReplaySuccess = &success
	case domain.StatusArchived, domain.StatusDiscarded:
		entry.ArchivedAt = &now
	}

	return nil
}

func (s *MemoryStore) AppendReplay(ctx context.Context, replay domain.ReplayHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendReplayLocked(replay)
}

func (s *MemoryStore) appendReplayLocked(replay domain.ReplayHistoryEntry) error {
	if _, ok := s.byID[replay.DlqHistoryEntryID]; !ok {
		return apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	s.replays[replay.DlqHistoryEntryID] = append(s.replays[replay.DlqHistoryEntryID], replay)

	return nil
}

func (s *MemoryStore) ReplayTransition(ctx context.Context, id int64, next domain.HistoryStatus, now time.Time, replay domain.ReplayHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setStatusLocked(id, next, now); err != nil {
		return err
	}

	return s.appendReplayLocked(replay)
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (domain.DlqHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return domain.DlqHistoryEntry{}, apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	return *entry, nil
}

func (s *MemoryStore) matches(entry *domain.DlqHistoryEntry, filter Filter) bool {
	if filter.NamespaceID != "" && entry.NamespaceID != filter.NamespaceID {
		return false
	}

	if filter.Entity != "" && entry.EntityName != filter.Entity {
		return false
	}

	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}

	if filter.Category != "" && entry.FailureCategory != filter.Category {
		return false
	}

	if filter.MinDeliveryCount > 0 && entry.DeliveryCount < filter.MinDeliveryCount {
		return false
	}

	if filter.TextSearch != "" {
		needle := strings.ToLower(filter.TextSearch)
		haystack := strings.ToLower(entry.DeadLetterReason + " " + entry.DeadLetterErrorDescription + " " + entry.BodyPreview)

		if !strings.Contains(haystack, needle) {
			return false
		}
	}

	if filter.From != nil && entry.DetectedAtUTC.Before(*filter.From) {
		return false
	}

	if filter.To != nil && entry.DetectedAtUTC.After(*filter.To) {
		return false
	}

	return true
}

func (s *MemoryStore) ListByFilter(ctx context.Context, filter Filter, page Page) (ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.DlqHistoryEntry

	for _, entry := range s.byID {
		if s.matches(entry, filter) {
			matched = append(matched, *entry)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAtUTC.Equal(matched[j].DetectedAtUTC) {
			return matched[i].DetectedAtUTC.After(matched[j].DetectedAtUTC)
		}

		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))

	size := page.Size
	if size <= 0 {
		size = 20
	}

	number := page.Number
	if number <= 0 {
		number = 1
	}

	start := (number - 1) * size
	if start > len(matched) {
		start = len(matched)
	}

	end := start + size
	if end > len(matched) {
		end = len(matched)
	}

	items := matched[start:end]

	return ListResult{
		Items:      items,
		TotalCount: total,
		HasNext:    int64(end) < total,
		HasPrev:    number > 1,
	}, nil
}

func (s *MemoryStore) ReplayHistory(ctx context.Context, id int64) ([]domain.ReplayHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.ReplayHistoryEntry(nil), s.replays[id]...), nil
}

func (s *MemoryStore) Timeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	events := buildTimeline(*entry, s.replays[id])

	return events, nil
}

// buildTimeline assembles the deterministic timeline described in
// spec.md §4.9: Enqueued/DeadLettered/Detected, each replay attempt, and a
// StatusChanged entry when the entry reached Archived or Discarded, sorted
// ascending by timestamp with a stable tiebreak on event-kind rank.
func buildTimeline(entry domain.DlqHistoryEntry, replays []domain.ReplayHistoryEntry) []domain.TimelineEvent {
	var events []domain.TimelineEvent

	if !entry.EnqueuedAtUTC.IsZero() {
		events = append(events, domain.TimelineEvent{Kind: domain.EventEnqueued, Timestamp: entry.EnqueuedAtUTC})
	}

	if !entry.DeadLetteredAtUTC.IsZero() {
		events = append(events, domain.TimelineEvent{Kind: domain.EventDeadLettered, Timestamp: entry.DeadLetteredAtUTC, Detail: entry.DeadLetterReason})
	}

	if !entry.DetectedAtUTC.IsZero() {
		events = append(events, domain.TimelineEvent{Kind: domain.EventDetected, Timestamp: entry.DetectedAtUTC})
	}

	for _, r := range replays {
		kind := domain.EventReplayedFailed
		detail := r.ErrorDetails

		if r.OutcomeStatus == domain.OutcomeSuccess {
			kind = domain.EventReplayedSuccess
			detail = r.ReplayedToEntity
		}

		events = append(events, domain.TimelineEvent{Kind: kind, Timestamp: r.ReplayedAt, Detail: detail})
	}

	if entry.Status == domain.StatusArchived && entry.ArchivedAt != nil {
		events = append(events, domain.TimelineEvent{Kind: domain.EventArchived, Timestamp: *entry.ArchivedAt})
	} else if entry.Status == domain.StatusDiscarded {
		ts := entry.DetectedAtUTC
		if entry.ArchivedAt != nil {
			ts = *entry.ArchivedAt
		}

		events = append(events, domain.TimelineEvent{Kind: domain.EventStatusChanged, Timestamp: ts, Detail: string(entry.Status)})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}

		return events[i].Rank() < events[j].Rank()
	})

	return events
}

func (s *MemoryStore) Aggregate(ctx context.Context, from, to time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStatus := map[domain.HistoryStatus]int64{}
	byCategory := map[domain.FailureCategory]int64{}
	byEntity := map[string]int64{}
	daily := map[string]*DailyTotal{}

	var oldest, newest *time.Time

	for _, entry := range s.byID {
		if entry.DetectedAtUTC.Before(from) || entry.DetectedAtUTC.After(to) {
			continue
		}

		byStatus[entry.Status]++
		byCategory[entry.FailureCategory]++
		byEntity[entry.EntityName]++

		day := entry.DetectedAtUTC.Truncate(24 * time.Hour)
		key := day.Format("2006-01-02")

		if _, ok := daily[key]; !ok {
			daily[key] = &DailyTotal{Date: day}
		}

		daily[key].New++

		if isResolved(entry.Status) {
			daily[key].Resolved++
		}

		if oldest == nil || entry.DetectedAtUTC.Before(*oldest) {
			t := entry.DetectedAtUTC
			oldest = &t
		}

		if newest == nil || entry.DetectedAtUTC.After(*newest) {
			t := entry.DetectedAtUTC
			newest = &t
		}
	}

	summary := Summary{Oldest: oldest, Newest: newest}

	for status, count := range byStatus {
		summary.ByStatus = append(summary.ByStatus, StatusTotal{Status: status, Count: count})
	}

	for category, count := range byCategory {
		summary.ByCategory = append(summary.ByCategory, CategoryTotal{Category: category, Count: count})
	}

	for entity, count := range byEntity {
		summary.ByEntity = append(summary.ByEntity, EntityTotal{Entity: entity, Count: count})
	}

	for _, d := range daily {
		summary.Daily = append(summary.Daily, *d)
	}

	sort.Slice(summary.Daily, func(i, j int) bool { return summary.Daily[i].Date.Before(summary.Daily[j].Date) })
	sort.Slice(summary.ByEntity, func(i, j int) bool { return summary.ByEntity[i].Entity < summary.ByEntity[j].Entity })
	sort.Slice(summary.ByStatus, func(i, j int) bool { return summary.ByStatus[i].Status < summary.ByStatus[j].Status })
	sort.Slice(summary.ByCategory, func(i, j int) bool { return summary.ByCategory[i].Category < summary.ByCategory[j].Category })

	return summary, nil
}

// isResolved reports whether status counts as resolved for summary
// purposes, per spec.md §4.9.
func isResolved(status domain.HistoryStatus) bool {
	switch status {
	case domain.StatusReplayed, domain.StatusArchived, domain.StatusDiscarded:
		return true
	default:
		return false
	}
}

func (s *MemoryStore) SetUserNotes(ctx context.Context, id int64, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	entry.UserNotes = notes

	return nil
}
