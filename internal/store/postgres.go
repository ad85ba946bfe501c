package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/pkg/dbtx"
	"github.com/jackc/pgx/v5/pgconn"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const historyTable = "dlq_history_entries"
const replayTable = "dlq_replay_history_entries"

// PostgresStore is a Postgres-backed DlqStore, using Masterminds/squirrel
// to build queries executed through jackc/pgx/v5's database/sql driver,
// per spec.md §4.3 and SPEC_FULL.md §4.3.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore builds a PostgresStore over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertByDedupKey(ctx context.Context, entry domain.DlqHistoryEntry, classify func(domain.DlqHistoryEntry) (domain.FailureCategory, float64)) (UpsertResult, error) {
	var result UpsertResult

	err := dbtx.RunInTransaction(ctx, s.db, func(ctx context.Context) error {
		executor := dbtx.GetExecutor(ctx, s.db)

		existing, err := s.findByDedupKeyForUpdate(ctx, executor, entry.DedupKey)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}

		if err == nil {
			deliveryCount := existing.DeliveryCount
			if entry.DeliveryCount > deliveryCount {
				deliveryCount = entry.DeliveryCount
			}

			query, args, buildErr := psql.Update(historyTable).
				Set("delivery_count", deliveryCount).
				Set("dead_letter_reason", entry.DeadLetterReason).
				Set("dead_letter_error_description", entry.DeadLetterErrorDescription).
				Where(squirrel.Eq{"id": existing.ID}).ToSql()
			if buildErr != nil {
				return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build update", buildErr)
			}

			if _, execErr := executor.ExecContext(ctx, query, args...); execErr != nil {
				return apperr.Wrap(apperr.KindInternal, "update_failed", "failed to merge dlq entry", execErr)
			}

			existing.DeliveryCount = deliveryCount
			existing.DeadLetterReason = entry.DeadLetterReason
			existing.DeadLetterErrorDescription = entry.DeadLetterErrorDescription
			result = UpsertResult{Created: false, Entry: existing}

			return nil
		}

		entry.DetectedAtUTC = time.Now().UTC()
		entry.Status = domain.StatusActive

		if classify != nil {
			cat, conf := classify(entry)
			entry.FailureCategory = cat
			entry.CategoryConfidence = conf
		}

		id, insertErr := s.insert(ctx, executor, entry)
		if insertErr != nil {
			return insertErr
		}

		entry.ID = id
		result = UpsertResult{Created: true, Entry: entry}

		return nil
	})

	return result, err
}

func (s *PostgresStore) insert(ctx context.Context, executor dbtx.Executor, entry domain.DlqHistoryEntry) (int64, error) {
	propsJSON, err := json.Marshal(entry.ApplicationProperties)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "marshal_failed", "failed to marshal application properties", err)
	}

	query, args, err := psql.Insert(historyTable).
		Columns(
			"namespace_id", "entity_name", "entity_type", "topic_name", "broker_message_id", "sequence_number",
			"enqueued_at_utc", "dead_lettered_at_utc", "detected_at_utc",
			"dead_letter_reason", "dead_letter_error_description", "delivery_count",
			"content_type", "size_bytes", "body_preview", "body_hash", "application_properties",
			"failure_category", "category_confidence", "status",
			"correlation_id", "session_id",
		).
		Values(
			entry.NamespaceID, entry.EntityName, string(entry.EntityType), entry.TopicName, entry.BrokerMessageID, entry.SequenceNumber,
			entry.EnqueuedAtUTC, entry.DeadLetteredAtUTC, entry.DetectedAtUTC,
			entry.DeadLetterReason, entry.DeadLetterErrorDescription, entry.DeliveryCount,
			entry.ContentType, entry.SizeBytes, entry.BodyPreview, entry.BodyHash, propsJSON,
			string(entry.FailureCategory), entry.CategoryConfidence, string(entry.Status),
			entry.CorrelationID, entry.SessionID,
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build insert", err)
	}

	var id int64

	if scanErr := executor.QueryRowContext(ctx, query, args...).Scan(&id); scanErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == "23505" {
			return 0, apperr.Wrap(apperr.KindConflict, "dedup_key_conflict", "dlq entry with this dedup key already exists", scanErr)
		}

		return 0, apperr.Wrap(apperr.KindInternal, "insert_failed", "failed to insert dlq entry", scanErr)
	}

	return id, nil
}

func (s *PostgresStore) findByDedupKeyForUpdate(ctx context.Context, executor dbtx.Executor, key domain.DedupKey) (domain.DlqHistoryEntry, error) {
	query, args, err := s.selectColumns().
		Where(squirrel.Eq{
			"namespace_id":      key.NamespaceID,
			"entity_name":       key.EntityName,
			"entity_type":       string(key.EntityType),
			"topic_name":        key.TopicName,
			"broker_message_id": key.BrokerMessageID,
			"sequence_number":   key.SequenceNumber,
		}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return domain.DlqHistoryEntry{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	return s.scanRow(executor.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) selectColumns() squirrel.SelectBuilder {
	return psql.Select(
		"id", "namespace_id", "entity_name", "entity_type", "topic_name", "broker_message_id", "sequence_number",
		"enqueued_at_utc", "dead_lettered_at_utc", "detected_at_utc",
		"dead_letter_reason", "dead_letter_error_description", "delivery_count",
		"content_type", "size_bytes", "body_preview", "body_hash", "application_properties",
		"failure_category", "category_confidence", "status",
		"replayed_at", "replay_success", "archived_at", "user_notes",
		"correlation_id", "session_id",
	).From(historyTable)
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanRow(row scannable) (domain.DlqHistoryEntry, error) {
	var e domain.DlqHistoryEntry

	var entityType, status string
	var propsJSON []byte
	var replayedAt, archivedAt sql.NullTime
	var replaySuccess sql.NullBool
	var userNotes, correlationID, sessionID sql.NullString

	err := row.Scan(
		&e.ID, &e.NamespaceID, &e.EntityName, &entityType, &e.TopicName, &e.BrokerMessageID, &e.SequenceNumber,
		&e.EnqueuedAtUTC, &e.DeadLetteredAtUTC, &e.DetectedAtUTC,
		&e.DeadLetterReason, &e.DeadLetterErrorDescription, &e.DeliveryCount,
		&e.ContentType, &e.SizeBytes, &e.BodyPreview, &e.BodyHash, &propsJSON,
		&e.FailureCategory, &e.CategoryConfidence, &status,
		&replayedAt, &replaySuccess, &archivedAt, &userNotes,
		&correlationID, &sessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DlqHistoryEntry{}, apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	if err != nil {
		return domain.DlqHistoryEntry{}, apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan dlq history row", err)
	}

	e.EntityType = domain.EntityType(entityType)
	e.Status = domain.HistoryStatus(status)

	if len(propsJSON) > 0 {
		_ = json.Unmarshal(propsJSON, &e.ApplicationProperties)
	}

	if replayedAt.Valid {
		e.ReplayedAt = &replayedAt.Time
	}

	if replaySuccess.Valid {
		e.ReplaySuccess = &replaySuccess.Bool
	}

	if archivedAt.Valid {
		e.ArchivedAt = &archivedAt.Time
	}

	e.UserNotes = userNotes.String
	e.CorrelationID = correlationID.String
	e.SessionID = sessionID.String

	return e, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (domain.DlqHistoryEntry, error) {
	query, args, err := s.selectColumns().Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.DlqHistoryEntry{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	return s.scanRow(executor.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, next domain.HistoryStatus, now time.Time) error {
	return dbtx.RunInTransaction(ctx, s.db, func(ctx context.Context) error {
		return s.setStatus(ctx, dbtx.GetExecutor(ctx, s.db), id, next, now)
	})
}

func (s *PostgresStore) setStatus(ctx context.Context, executor dbtx.Executor, id int64, next domain.HistoryStatus, now time.Time) error {
	row, err := s.lockedRow(ctx, executor, id)
	if err != nil {
		return err
	}

	if !row.Status.CanTransitionTo(next) {
		return apperr.New(apperr.KindBusinessRule, "invalid_status_transition", "status transition not permitted").
			WithDetails(map[string]any{"from": string(row.Status), "to": string(next)})
	}

	builder := psql.Update(historyTable).Set("status", string(next)).Where(squirrel.Eq{"id": id})

	switch next {
	case domain.StatusReplayed:
		builder = builder.Set("replayed_at", now).Set("replay_success", true)
	case domain.StatusReplayFailed:
		builder = builder.Set("replayed_at", now).Set("replay_success", false)
	case domain.StatusArchived, domain.StatusDiscarded:
		builder = builder.Set("archived_at", now)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build update", err)
	}

	if _, err := executor.ExecContext(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.KindInternal, "update_failed", "failed to set status", err)
	}

	return nil
}

func (s *PostgresStore) lockedRow(ctx context.Context, executor dbtx.Executor, id int64) (domain.DlqHistoryEntry, error) {
	query, args, err := s.selectColumns().Where(squirrel.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return domain.DlqHistoryEntry{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	return s.scanRow(executor.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) AppendReplay(ctx context.Context, replay domain.ReplayHistoryEntry) error {
	executor := dbtx.GetExecutor(ctx, s.db)
	return s.appendReplay(ctx, executor, replay)
}

func (s *PostgresStore) appendReplay(ctx context.Context, executor dbtx.Executor, replay domain.ReplayHistoryEntry) error {
	query, args, err := psql.Insert(replayTable).
		Columns("dlq_history_entry_id", "replayed_at", "replayed_by", "strategy", "replayed_to_entity", "outcome_status", "new_dead_letter_reason", "error_details").
		Values(replay.DlqHistoryEntryID, replay.ReplayedAt, replay.ReplayedBy, replay.Strategy, replay.ReplayedToEntity, string(replay.OutcomeStatus), replay.NewDeadLetterReason, replay.ErrorDetails).
		ToSql()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build insert", err)
	}

	if _, err := executor.ExecContext(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert_failed", "failed to append replay history", err)
	}

	return nil
}

func (s *PostgresStore) ReplayTransition(ctx context.Context, id int64, next domain.HistoryStatus, now time.Time, replay domain.ReplayHistoryEntry) error {
	return dbtx.RunInTransaction(ctx, s.db, func(ctx context.Context) error {
		executor := dbtx.GetExecutor(ctx, s.db)

		if err := s.setStatus(ctx, executor, id, next, now); err != nil {
			return err
		}

		return s.appendReplay(ctx, executor, replay)
	})
}

func (s *PostgresStore) ReplayHistory(ctx context.Context, id int64) ([]domain.ReplayHistoryEntry, error) {
	query, args, err := psql.Select("id", "dlq_history_entry_id", "replayed_at", "replayed_by", "strategy", "replayed_to_entity", "outcome_status", "new_dead_letter_reason", "error_details").
		From(replayTable).Where(squirrel.Eq{"dlq_history_entry_id": id}).OrderBy("replayed_at ASC").ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query_failed", "failed to list replay history", err)
	}
	defer rows.Close()

	var out []domain.ReplayHistoryEntry

	for rows.Next() {
		var r domain.ReplayHistoryEntry
		var outcome string

		if err := rows.Scan(&r.ID, &r.DlqHistoryEntryID, &r.ReplayedAt, &r.ReplayedBy, &r.Strategy, &r.ReplayedToEntity, &outcome, &r.NewDeadLetterReason, &r.ErrorDetails); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan replay history row", err)
		}

		r.OutcomeStatus = domain.ReplayOutcome(outcome)
		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *PostgresStore) Timeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	replays, err := s.ReplayHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	return buildTimeline(entry, replays), nil
}

func (s *PostgresStore) ListByFilter(ctx context.Context, filter Filter, page Page) (ListResult, error) {
	// Always-true base clause so an empty filter still builds a valid
	// "WHERE 1=1 [AND ...]" statement rather than a bare "WHERE" from an
	// empty squirrel.And.
	where := squirrel.And{squirrel.Expr("1=1")}

	if filter.NamespaceID != "" {
		where = append(where, squirrel.Eq{"namespace_id": filter.NamespaceID})
	}

	if filter.Entity != "" {
		where = append(where, squirrel.Eq{"entity_name": filter.Entity})
	}

	if filter.Status != "" {
		where = append(where, squirrel.Eq{"status": string(filter.Status)})
	}

	if filter.Category != "" {
		where = append(where, squirrel.Eq{"failure_category": string(filter.Category)})
	}

	if filter.MinDeliveryCount > 0 {
		where = append(where, squirrel.GtOrEq{"delivery_count": filter.MinDeliveryCount})
	}

	if filter.TextSearch != "" {
		like := "%" + filter.TextSearch + "%"
		where = append(where, squirrel.Or{
			squirrel.ILike{"dead_letter_reason": like},
			squirrel.ILike{"dead_letter_error_description": like},
			squirrel.ILike{"body_preview": like},
		})
	}

	if filter.From != nil {
		where = append(where, squirrel.GtOrEq{"detected_at_utc": *filter.From})
	}

	if filter.To != nil {
		where = append(where, squirrel.LtOrEq{"detected_at_utc": *filter.To})
	}

	size := page.Size
	if size <= 0 {
		size = 20
	}

	number := page.Number
	if number <= 0 {
		number = 1
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	countQuery, countArgs, err := psql.Select("count(*)").From(historyTable).Where(where).ToSql()
	if err != nil {
		return ListResult{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build count", err)
	}

	var total int64
	if err := executor.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return ListResult{}, apperr.Wrap(apperr.KindInternal, "count_failed", "failed to count dlq entries", err)
	}

	query, args, err := s.selectColumns().Where(where).
		OrderBy("detected_at_utc DESC", "id DESC").
		Limit(uint64(size)).
		Offset(uint64((number - 1) * size)).
		ToSql()
	if err != nil {
		return ListResult{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, apperr.Wrap(apperr.KindInternal, "query_failed", "failed to list dlq entries", err)
	}
	defer rows.Close()

	var items []domain.DlqHistoryEntry

	for rows.Next() {
		entry, err := s.scanRow(rows)
		if err != nil {
			return ListResult{}, err
		}

		items = append(items, entry)
	}

	if err := rows.Err(); err != nil {
		return ListResult{}, apperr.Wrap(apperr.KindInternal, "rows_failed", "failed to iterate dlq entries", err)
	}

	end := int64((number-1)*size + len(items))

	return ListResult{
		Items:      items,
		TotalCount: total,
		HasNext:    end < total,
		HasPrev:    number > 1,
	}, nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, from, to time.Time) (Summary, error) {
	executor := dbtx.GetExecutor(ctx, s.db)

	summary := Summary{}

	statusQuery, statusArgs, err := psql.Select("status", "count(*)").From(historyTable).
		Where(squirrel.And{squirrel.GtOrEq{"detected_at_utc": from}, squirrel.LtOrEq{"detected_at_utc": to}}).
		GroupBy("status").ToSql()
	if err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build status aggregate", err)
	}

	if err := scanCounts(ctx, executor, statusQuery, statusArgs, func(key string, count int64) {
		summary.ByStatus = append(summary.ByStatus, StatusTotal{Status: domain.HistoryStatus(key), Count: count})
	}); err != nil {
		return summary, err
	}

	categoryQuery, categoryArgs, err := psql.Select("failure_category", "count(*)").From(historyTable).
		Where(squirrel.And{squirrel.GtOrEq{"detected_at_utc": from}, squirrel.LtOrEq{"detected_at_utc": to}}).
		GroupBy("failure_category").ToSql()
	if err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build category aggregate", err)
	}

	if err := scanCounts(ctx, executor, categoryQuery, categoryArgs, func(key string, count int64) {
		summary.ByCategory = append(summary.ByCategory, CategoryTotal{Category: domain.FailureCategory(key), Count: count})
	}); err != nil {
		return summary, err
	}

	entityQuery, entityArgs, err := psql.Select("entity_name", "count(*)").From(historyTable).
		Where(squirrel.And{squirrel.GtOrEq{"detected_at_utc": from}, squirrel.LtOrEq{"detected_at_utc": to}}).
		GroupBy("entity_name").ToSql()
	if err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build entity aggregate", err)
	}

	if err := scanCounts(ctx, executor, entityQuery, entityArgs, func(key string, count int64) {
		summary.ByEntity = append(summary.ByEntity, EntityTotal{Entity: key, Count: count})
	}); err != nil {
		return summary, err
	}

	dailyQuery, dailyArgs, err := psql.Select(
		"date_trunc('day', detected_at_utc) as day",
		"count(*)",
		"count(*) FILTER (WHERE status IN ('Replayed','Archived','Discarded'))",
	).From(historyTable).
		Where(squirrel.And{squirrel.GtOrEq{"detected_at_utc": from}, squirrel.LtOrEq{"detected_at_utc": to}}).
		GroupBy("day").OrderBy("day ASC").ToSql()
	if err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build daily aggregate", err)
	}

	rows, err := executor.QueryContext(ctx, dailyQuery, dailyArgs...)
	if err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_failed", "failed to aggregate daily totals", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Date, &d.New, &d.Resolved); err != nil {
			return summary, apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan daily aggregate row", err)
		}

		summary.Daily = append(summary.Daily, d)
	}

	boundsQuery, boundsArgs, err := psql.Select("min(detected_at_utc)", "max(detected_at_utc)").From(historyTable).
		Where(squirrel.And{squirrel.GtOrEq{"detected_at_utc": from}, squirrel.LtOrEq{"detected_at_utc": to}}).ToSql()
	if err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build bounds query", err)
	}

	var oldest, newest sql.NullTime

	if err := executor.QueryRowContext(ctx, boundsQuery, boundsArgs...).Scan(&oldest, &newest); err != nil {
		return summary, apperr.Wrap(apperr.KindInternal, "query_failed", "failed to read bounds", err)
	}

	if oldest.Valid {
		summary.Oldest = &oldest.Time
	}

	if newest.Valid {
		summary.Newest = &newest.Time
	}

	return summary, nil
}

func scanCounts(ctx context.Context, executor dbtx.Executor, query string, args []any, add func(key string, count int64)) error {
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_failed", "failed to aggregate", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64

		if err := rows.Scan(&key, &count); err != nil {
			return apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan aggregate row", err)
		}

		add(key, count)
	}

	return rows.Err()
}

func (s *PostgresStore) SetUserNotes(ctx context.Context, id int64, notes string) error {
	query, args, err := psql.Update(historyTable).Set("user_notes", notes).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build update", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update_failed", "failed to set user notes", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "rows_affected_failed", "failed to read rows affected", err)
	}

	if n == 0 {
		return apperr.New(apperr.KindNotFound, "dlq_entry_not_found", "dlq history entry not found")
	}

	return nil
}
