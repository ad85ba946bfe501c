// Package migrations embeds the SQL schema for the Postgres-backed
// namespaces/dlq_history_entries/dlq_replay_history_entries tables that
// internal/credentials.PostgresStore and internal/store.PostgresStore read
// and write, per spec.md §3's data model.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
