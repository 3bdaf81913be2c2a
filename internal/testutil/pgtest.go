//go:build integration

// Package testutil holds shared fixtures for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowd/migrations"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// PGTest returns a migrated database for the duration of t.
//
//	db := testutil.PGTest(t)
//
// POSTGRES_URL reuses an existing database; otherwise a disposable
// container is started, and t is skipped when Docker is unavailable.
// Escrow tables are emptied when t finishes so tests sharing a database
// do not see each other's rows.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = startPostgres(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "open database")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PingContext(ctx), "connect")
	require.NoError(t, migrations.Run(ctx, db, "up"), "migrate")

	t.Cleanup(func() { truncate(t, db) })
	return db
}

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("escrowd"),
		postgres.WithUsername("escrowd"),
		postgres.WithPassword("escrowd"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "connection string")
	return dsn
}

// truncate empties every application table. goose's version table is kept
// so the next PGTest call on the same database skips migrating.
func truncate(t *testing.T, db *sql.DB) {
	ctx := context.Background()
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		t.Logf("pgtest: list tables: %v", err)
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			tables = append(tables, pq.QuoteIdentifier(name))
		}
	}
	if len(tables) == 0 {
		return
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
		t.Logf("pgtest: truncate: %v", err)
	}
}
