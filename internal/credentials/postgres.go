package credentials

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/pkg/dbtx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// psql is the squirrel statement builder configured for Postgres's
// dollar-numbered placeholders, matching the teacher's repository
// convention (see account.postgresql.go's squirrel usage).
var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// PostgresStore is a Postgres-backed Store, persisting namespace records
// in the "namespaces" table with the credential encrypted at rest via
// Cipher, per spec.md §4.2 and SPEC_FULL.md §4.2.
type PostgresStore struct {
	db     *sql.DB
	cipher *Cipher
}

// NewPostgresStore builds a PostgresStore using db and cipher for
// credential envelope encryption.
func NewPostgresStore(db *sql.DB, cipher *Cipher) *PostgresStore {
	return &PostgresStore{db: db, cipher: cipher}
}

const namespacesTable = "namespaces"

func (s *PostgresStore) Register(ctx context.Context, ns domain.Namespace, cred domain.Credential) (domain.Namespace, error) {
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}

	sealed, err := s.cipher.Seal(cred)
	if err != nil {
		return domain.Namespace{}, apperr.Wrap(apperr.KindInternal, "credential_seal_failed", "failed to encrypt credential", err)
	}

	now := time.Now().UTC()

	query, args, err := psql.Insert(namespacesTable).
		Columns("id", "name", "display_label", "active", "encrypted_credential", "created_at", "updated_at").
		Values(ns.ID, ns.Name, ns.DisplayLabel, true, sealed, now, now).
		ToSql()
	if err != nil {
		return domain.Namespace{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build insert", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	if _, err := executor.ExecContext(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Namespace{}, apperr.Wrap(apperr.KindConflict, "namespace_name_conflict", "a namespace with this name already exists", err)
		}

		return domain.Namespace{}, apperr.Wrap(apperr.KindInternal, "insert_failed", "failed to insert namespace", err)
	}

	ns.Active = true
	ns.CreatedAt = now
	ns.UpdatedAt = now

	return ns, nil
}

func (s *PostgresStore) scanRow(row *sql.Row) (domain.Namespace, error) {
	var ns domain.Namespace

	var lastTestAt sql.NullTime
	var lastTestSucceeded sql.NullBool

	err := row.Scan(&ns.ID, &ns.Name, &ns.DisplayLabel, &ns.Active, &lastTestAt, &lastTestSucceeded, &ns.CreatedAt, &ns.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Namespace{}, apperr.New(apperr.KindNotFound, "namespace_not_found", "namespace not found")
	}

	if err != nil {
		return domain.Namespace{}, apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan namespace row", err)
	}

	if lastTestAt.Valid {
		ns.LastConnectionTestAt = &lastTestAt.Time
	}

	if lastTestSucceeded.Valid {
		ns.LastConnectionTestSucceeded = &lastTestSucceeded.Bool
	}

	return ns, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Namespace, error) {
	query, args, err := psql.Select("id", "name", "display_label", "active", "last_connection_test_at", "last_connection_test_succeeded", "created_at", "updated_at").
		From(namespacesTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Namespace{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	return s.scanRow(executor.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) List(ctx context.Context) ([]domain.Namespace, error) {
	query, args, err := psql.Select("id", "name", "display_label", "active", "last_connection_test_at", "last_connection_test_succeeded", "created_at", "updated_at").
		From(namespacesTable).OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query_failed", "failed to list namespaces", err)
	}
	defer rows.Close()

	var out []domain.Namespace

	for rows.Next() {
		var ns domain.Namespace

		var lastTestAt sql.NullTime
		var lastTestSucceeded sql.NullBool

		if err := rows.Scan(&ns.ID, &ns.Name, &ns.DisplayLabel, &ns.Active, &lastTestAt, &lastTestSucceeded, &ns.CreatedAt, &ns.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan namespace row", err)
		}

		if lastTestAt.Valid {
			ns.LastConnectionTestAt = &lastTestAt.Time
		}

		if lastTestSucceeded.Valid {
			ns.LastConnectionTestSucceeded = &lastTestSucceeded.Bool
		}

		out = append(out, ns)
	}

	return out, rows.Err()
}

func (s *PostgresStore) ActiveNamespaceIDs(ctx context.Context) ([]string, error) {
	query, args, err := psql.Select("id").From(namespacesTable).Where(squirrel.Eq{"active": true}).ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query_failed", "failed to list active namespace ids", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan_failed", "failed to scan namespace id", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	query, args, err := psql.Update(namespacesTable).Set("active", false).Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build update", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update_failed", "failed to deactivate namespace", err)
	}

	return s.requireRowAffected(result, id)
}

func (s *PostgresStore) requireRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "rows_affected_failed", "failed to read rows affected", err)
	}

	if n == 0 {
		return apperr.New(apperr.KindNotFound, "namespace_not_found", "namespace not found")
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete(namespacesTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build delete", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return apperr.Wrap(apperr.KindConflict, "namespace_has_history", "namespace has referencing DLQ history", err)
		}

		return apperr.Wrap(apperr.KindInternal, "delete_failed", "failed to delete namespace", err)
	}

	return s.requireRowAffected(result, id)
}

func (s *PostgresStore) Resolve(ctx context.Context, id string) (domain.Credential, error) {
	query, args, err := psql.Select("encrypted_credential").From(namespacesTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Credential{}, apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build select", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	var sealed []byte

	err = executor.QueryRowContext(ctx, query, args...).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Credential{}, unauthorized(id, nil)
	}

	if err != nil {
		return domain.Credential{}, unauthorized(id, err)
	}

	cred, err := s.cipher.Open(sealed)
	if err != nil {
		return domain.Credential{}, unauthorized(id, err)
	}

	return cred, nil
}

func (s *PostgresStore) RecordConnectionTest(ctx context.Context, id string, succeeded bool) error {
	query, args, err := psql.Update(namespacesTable).
		Set("last_connection_test_at", time.Now().UTC()).
		Set("last_connection_test_succeeded", succeeded).
		Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "query_build_failed", "failed to build update", err)
	}

	executor := dbtx.GetExecutor(ctx, s.db)

	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update_failed", "failed to record connection test", err)
	}

	return s.requireRowAffected(result, id)
}
