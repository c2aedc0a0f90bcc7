// Package store owns the single physical SQLite store and its write boundary.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/schema"
)

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB with the schema gate and the single-writer transaction.
// Reads that need one snapshot use a second pool whose transactions are
// deferred, so they never take the write lock.
type DB struct {
	conn   *sql.DB
	read   *sql.DB
	schema *schema.Manager
	logger *slog.Logger

	// writeSem serialises write transactions; a channel so waiters honour ctx.
	writeSem chan struct{}

	fpMu       sync.Mutex
	failpoints map[string]error
}

// Option configures a DB.
type Option func(*options)

type options struct {
	logger *slog.Logger
	steps  []schema.Step
}

// WithLogger sets the logger used by the store and its migration manager.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSteps replaces the migration step list.
func WithSteps(steps []schema.Step) Option {
	return func(o *options) { o.steps = steps }
}

// New opens the SQLite file without touching the schema. Every operation is
// refused until Migrate succeeds.
func New(path string, opts ...Option) (*DB, error) {
	o := options{logger: slog.Default(), steps: schema.Steps}
	for _, opt := range opts {
		opt(&o)
	}

	const params = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	conn, err := sql.Open("sqlite3", path+"?"+params+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	read, err := sql.Open("sqlite3", path+"?"+params+"&_txlock=deferred")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}
	if err := read.Ping(); err != nil {
		conn.Close()
		read.Close()
		return nil, fmt.Errorf("store: ping read pool: %w", err)
	}
	return &DB{
		conn:     conn,
		read:     read,
		schema:   schema.NewManager(conn, o.steps, o.logger),
		logger:   o.logger,
		writeSem: make(chan struct{}, 1),
	}, nil
}

// Open opens (or creates) the store and brings the schema up to date.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	db, err := New(path, opts...)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate runs the schema manager. Paging cursors issued before a version
// change stop validating because the version is part of their fingerprint.
func (db *DB) Migrate(ctx context.Context) error {
	db.writeSem <- struct{}{}
	defer func() { <-db.writeSem }()
	return db.schema.Open(ctx)
}

// Ready reports whether the store accepts operations.
func (db *DB) Ready() error { return db.schema.Ready() }

// SchemaState returns the migration manager state.
func (db *DB) SchemaState() schema.State { return db.schema.State() }

// SchemaVersion returns the on-disk schema version.
func (db *DB) SchemaVersion() int { return db.schema.Version() }

// Conn exposes the raw connection for maintenance tooling and tests.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close closes both connection pools.
func (db *DB) Close() error {
	return errors.Join(db.read.Close(), db.conn.Close())
}

type (
	txCtxKey   struct{}
	readCtxKey struct{}
)

// writeScope is the write transaction carried in a context together with the
// callbacks to run once it commits.
type writeScope struct {
	tx          *sql.Tx
	afterCommit []func()
}

// Q returns the transaction carried by ctx, or the connection pool. A write
// transaction wins over a read transaction.
func (db *DB) Q(ctx context.Context) Querier {
	if ws, ok := ctx.Value(txCtxKey{}).(*writeScope); ok {
		return ws.tx
	}
	if tx, ok := ctx.Value(readCtxKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.conn
}

// InTx reports whether ctx carries a write transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txCtxKey{}).(*writeScope)
	return ok
}

// AfterCommit queues fn to run after the write transaction in ctx commits,
// while the writer lock is still held, so callbacks observe commit order.
// Callbacks are dropped on rollback. Outside a write transaction fn runs
// immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if ws, ok := ctx.Value(txCtxKey{}).(*writeScope); ok {
		ws.afterCommit = append(ws.afterCommit, fn)
		return
	}
	fn()
}

// ReadTx runs fn against a single read snapshot: every statement issued
// through Q(ctx) sees the same committed state. Inside a write or read
// transaction fn joins it.
func (db *DB) ReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) || ctx.Value(readCtxKey{}) != nil {
		return fn(ctx)
	}
	if err := db.Ready(); err != nil {
		return err
	}
	tx, err := db.read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return apperr.Storage("store: begin read tx", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(context.WithValue(ctx, readCtxKey{}, tx))
}

// WriteTx runs fn inside the exclusive write transaction. Calls made with a
// ctx that already carries the transaction join it. Any error from fn rolls
// back everything fn wrote; unclassified errors surface as StorageError.
func (db *DB) WriteTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}
	if err := db.Ready(); err != nil {
		return err
	}

	select {
	case db.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("store: acquire writer: %w", ctx.Err())
	}
	defer func() { <-db.writeSem }()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("store: begin tx", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	ws := &writeScope{tx: tx}
	if err := fn(context.WithValue(ctx, txCtxKey{}, ws)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("store: rollback failed", slog.String("error", rbErr.Error()))
		}
		return apperr.Storage("store: write tx", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Storage("store: commit tx", err)
	}
	for _, fn := range ws.afterCommit {
		fn()
	}
	return nil
}

// Arm makes the named failpoint return err until Disarm is called.
func (db *DB) Arm(name string, err error) {
	db.fpMu.Lock()
	defer db.fpMu.Unlock()
	if db.failpoints == nil {
		db.failpoints = make(map[string]error)
	}
	db.failpoints[name] = err
}

// Disarm clears the named failpoint.
func (db *DB) Disarm(name string) {
	db.fpMu.Lock()
	defer db.fpMu.Unlock()
	delete(db.failpoints, name)
}

// Failpoint returns the error armed for name, if any. Components call it at
// points between partial writes so fault-injection tests can abort there.
func (db *DB) Failpoint(name string) error {
	db.fpMu.Lock()
	defer db.fpMu.Unlock()
	return db.failpoints[name]
}
