// Package dbtest opens a migrated Postgres pool for store integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/exchange-core/internal/database"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "EXCHANGE_TEST_DATABASE_URL"

// Pool returns a migrated pool with all exchange tables truncated, or skips
// the test when EnvURL is unset.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE account_items, accounts, ledger_entries, escrow_holds, exchange_records, exchange_events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}
