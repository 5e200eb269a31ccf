// Package storagetest opens throwaway in-memory stores for tests.
package storagetest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-payouts/internal/logger"
	"ms-payouts/internal/storage"
)

// New returns a Store backed by a private shared-cache sqlite database
// with the full schema. One connection keeps every query on the same
// in-memory database.
func New(t testing.TB) *storage.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, storage.CreateSchema(context.Background(), db))

	t.Cleanup(func() { db.Close() })
	return storage.New(db, logger.NewNop())
}
