// Package query implements DlqQueryService: the read-only view over
// DlqStore that the REST surface and operator tooling query, per spec.md
// §4.9.
package query

import (
	"context"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/internal/store"
)

// Detail is the result of get(id): the entry plus its parsed application
// properties and full replay history, per spec.md §4.9.
type Detail struct {
	Entry   domain.DlqHistoryEntry
	Replays []domain.ReplayHistoryEntry
}

// Service is the read-only query surface over a DlqStore.
type Service struct {
	dlqStore store.DlqStore
}

// New builds a Service backed by dlqStore.
func New(dlqStore store.DlqStore) *Service {
	return &Service{dlqStore: dlqStore}
}

// List returns one page of entries matching filter, sorted
// detectedAtUtc DESC, id DESC, per spec.md §4.9.
func (s *Service) List(ctx context.Context, filter store.Filter, page store.Page) (store.ListResult, error) {
	if page.Number <= 0 {
		page.Number = 1
	}

	if page.Size <= 0 {
		page.Size = 20
	}

	return s.dlqStore.ListByFilter(ctx, filter, page)
}

// Get returns one entry's full detail, including replay history, per
// spec.md §4.9's get(id) operation.
func (s *Service) Get(ctx context.Context, id int64) (Detail, error) {
	entry, err := s.dlqStore.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}

	replays, err := s.dlqStore.ReplayHistory(ctx, id)
	if err != nil {
		return Detail{}, err
	}

	return Detail{Entry: entry, Replays: replays}, nil
}

// Timeline returns one entry's deterministic event sequence, per spec.md
// §4.9's timeline(id) operation.
func (s *Service) Timeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error) {
	return s.dlqStore.Timeline(ctx, id)
}

// Summary returns aggregate totals over [from, to], both bounds inclusive, per spec.md §4.9's
// summary(range) operation.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (store.Summary, error) {
	return s.dlqStore.Aggregate(ctx, from, to)
}

// SetUserNotes attaches an operator note to one entry.
func (s *Service) SetUserNotes(ctx context.Context, id int64, notes string) error {
	return s.dlqStore.SetUserNotes(ctx, id, notes)
}

// Resolve transitions one entry to Discarded with an operator-supplied
// resolution note, surfaced as a StatusChanged timeline event.
func (s *Service) Resolve(ctx context.Context, id int64, note string, now time.Time) error {
	if note != "" {
		if err := s.dlqStore.SetUserNotes(ctx, id, note); err != nil {
			return err
		}
	}

	return s.dlqStore.SetStatus(ctx, id, domain.StatusDiscarded, now)
}
