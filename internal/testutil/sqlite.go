// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpattn/crudql/internal/db"
	"github.com/rpattn/crudql/internal/session"
)

// OpenSQLite returns a migrated in-memory database closed at test end.
func OpenSQLite(t testing.TB) *db.Connection {
	t.Helper()
	conn, err := db.NewConnection(context.Background(), db.Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	require.NoError(t, conn.RunMigrations())
	return conn
}

// Session begins a transaction on conn that is rolled back at test end
// unless the test commits it.
func Session(t testing.TB, conn *db.Connection) *session.Session {
	t.Helper()
	sess, err := conn.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Rollback() })
	return sess
}
