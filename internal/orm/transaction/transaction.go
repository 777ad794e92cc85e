// Package transaction supplies the transaction boundary of a save: a top-level
// transaction per call and savepoints for batch members that may fail alone.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrDeadlock is returned when retries are exhausted on deadlocks
	ErrDeadlock = errors.New("deadlock detected")
	// ErrTransactionDone is returned when committing or rolling back twice
	ErrTransactionDone = errors.New("transaction already finished")
)

// savepointCounter provides unique savepoint names across transactions
var savepointCounter atomic.Uint64

// IsolationLevel represents the transaction isolation level
type IsolationLevel int

const (
	// Default uses the database default
	Default IsolationLevel = iota
	// ReadCommitted prevents dirty reads (PostgreSQL default)
	ReadCommitted
	// RepeatableRead prevents non-repeatable reads
	RepeatableRead
	// Serializable provides full isolation
	Serializable
)

// String returns the string representation of the isolation level
func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "DEFAULT"
	}
}

// txOptions converts the level to sql.TxOptions
func (l IsolationLevel) txOptions() *sql.TxOptions {
	switch l {
	case ReadCommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	case RepeatableRead:
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	case Serializable:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return nil
	}
}

// Transaction is a database transaction or a savepoint inside one
type Transaction struct {
	tx            *sql.Tx
	level         int // 0 = top-level, 1+ = savepoint
	savepointName string
	done          atomic.Bool
}

// Manager begins transactions on a database handle
type Manager struct {
	db        *sql.DB
	isolation IsolationLevel
	logger    *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithIsolation sets the isolation level of top-level transactions
func WithIsolation(level IsolationLevel) Option {
	return func(m *Manager) {
		m.isolation = level
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new transaction manager
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Begin starts a top-level transaction
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := m.db.BeginTx(ctx, m.isolation.txOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: tx}, nil
}

// Run executes fn within a transaction. It commits when fn succeeds and rolls
// back when fn fails or panics. The transaction is also stored in the context
// passed to fn.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(WithContext(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			m.logger.Error("rollback failed", zap.Error(rbErr))
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

// Level returns the nesting level of the transaction
func (t *Transaction) Level() int {
	return t.level
}

// Commit commits the transaction or releases the savepoint
func (t *Transaction) Commit(ctx context.Context) error {
	if !t.done.CompareAndSwap(false, true) {
		return ErrTransactionDone
	}

	if t.level > 0 {
		if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepointName); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
		return nil
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction or to the savepoint. Rolling back a
// finished transaction is a no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}

	if t.level > 0 {
		if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepointName); err != nil {
			return fmt.Errorf("failed to rollback to savepoint: %w", err)
		}
		return nil
	}

	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Savepoint opens a nested transaction backed by a savepoint
func (t *Transaction) Savepoint(ctx context.Context) (*Transaction, error) {
	name := fmt.Sprintf("sp_%d_%d", savepointCounter.Add(1), t.level+1)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	return &Transaction{tx: t.tx, level: t.level + 1, savepointName: name}, nil
}

// ExecContext executes a statement that returns no rows
func (t *Transaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows
func (t *Transaction) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row
func (t *Transaction) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}
