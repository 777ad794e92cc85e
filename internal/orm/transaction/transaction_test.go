package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// setupTestDB creates a test database with a test table
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// one connection so every statement sees the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE test_records (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			value INTEGER DEFAULT 0
		)
	`)
	require.NoError(t, err)
	return db
}

func countRecords(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_records").Scan(&n))
	return n
}

func TestManager_RunCommits(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	err := mgr.Run(ctx, func(ctx context.Context, tx *Transaction) error {
		assert.Equal(t, 0, tx.Level())
		fromCtx, ok := FromContext(ctx)
		assert.True(t, ok)
		assert.Same(t, tx, fromCtx)

		_, err := tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "a")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRecords(t, db))
}

func TestManager_RunRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()
	boom := errors.New("boom")

	err := mgr.Run(ctx, func(ctx context.Context, tx *Transaction) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "a"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRecords(t, db))
}

func TestManager_RunRollsBackOnPanic(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = mgr.Run(ctx, func(ctx context.Context, tx *Transaction) error {
			_, _ = tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "a")
			panic("kaboom")
		})
	})
	assert.Equal(t, 0, countRecords(t, db))
}

func TestTransaction_Savepoint(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	err := mgr.Run(ctx, func(ctx context.Context, tx *Transaction) error {
		kept, err := tx.Savepoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, kept.Level())
		_, err = kept.ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "kept")
		require.NoError(t, err)
		require.NoError(t, kept.Commit(ctx))

		dropped, err := tx.Savepoint(ctx)
		require.NoError(t, err)
		_, err = dropped.ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "dropped")
		require.NoError(t, err)
		require.NoError(t, dropped.Rollback(ctx))

		var name string
		require.NoError(t, tx.QueryRowContext(ctx, "SELECT name FROM test_records").Scan(&name))
		assert.Equal(t, "kept", name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRecords(t, db))
}

func TestTransaction_FinishTwice(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionDone)
	assert.NoError(t, tx.Rollback(ctx))
}

func TestIsolationLevel_String(t *testing.T) {
	assert.Equal(t, "DEFAULT", Default.String())
	assert.Equal(t, "READ COMMITTED", ReadCommitted.String())
	assert.Equal(t, "REPEATABLE READ", RepeatableRead.String())
	assert.Equal(t, "SERIALIZABLE", Serializable.String())
	assert.Nil(t, Default.txOptions())
	assert.Equal(t, sql.LevelSerializable, Serializable.txOptions().Isolation)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pgx deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pgx serialization", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), true},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, false},
		{"pq deadlock", &pq.Error{Code: "40P01"}, true},
		{"pq unique", &pq.Error{Code: "23505"}, false},
		{"mysql text", errors.New("Deadlock found when trying to get lock"), true},
		{"sqlite busy", errors.New("database is locked"), true},
		{"other", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestManager_RunWithRetry(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()
	cfg := RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond}

	t.Run("succeeds after deadlock", func(t *testing.T) {
		attempts := 0
		err := mgr.RunWithRetry(ctx, cfg, func(ctx context.Context, tx *Transaction) error {
			attempts++
			if attempts < 2 {
				return &pgconn.PgError{Code: "40P01"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		attempts := 0
		err := mgr.RunWithRetry(ctx, cfg, func(ctx context.Context, tx *Transaction) error {
			attempts++
			return errors.New("deadlock detected")
		})
		assert.ErrorIs(t, err, ErrDeadlock)
		assert.Equal(t, 3, attempts)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		attempts := 0
		boom := errors.New("boom")
		err := mgr.RunWithRetry(ctx, cfg, func(ctx context.Context, tx *Transaction) error {
			attempts++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := mgr.RunWithRetry(cctx, cfg, func(ctx context.Context, tx *Transaction) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
