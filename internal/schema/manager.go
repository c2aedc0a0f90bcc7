// Package schema owns the on-disk schema version and applies forward-only migrations.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/quire/internal/apperr"
)

// State is the lifecycle state of a Manager.
type State int

const (
	Unopened State = iota
	Opening
	Migrating
	Current
	Failed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Opening:
		return "opening"
	case Migrating:
		return "migrating"
	case Current:
		return "current"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Step migrates the schema from version i to i+1, where i is its index in the
// step list. Up runs inside a transaction owned by the Manager.
type Step struct {
	Name string
	Up   func(ctx context.Context, tx *sql.Tx) error
}

// Manager gates access to the store until the schema is current.
type Manager struct {
	conn   *sql.DB
	steps  []Step
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	version int
	cause   error
}

// NewManager creates a Manager for the given ordered step list.
func NewManager(conn *sql.DB, steps []Step, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{conn: conn, steps: steps, logger: logger}
}

// Expected returns the schema version this build understands.
func (m *Manager) Expected() int { return len(m.steps) }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Version returns the on-disk schema version observed by the last Open.
func (m *Manager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Ready returns nil only when the schema is current. A failed store keeps
// refusing until Open succeeds again.
func (m *Manager) Ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case Current:
		return nil
	case Failed:
		return fmt.Errorf("%w: %w", apperr.ErrStoreFailed, m.cause)
	default:
		return fmt.Errorf("%w: schema %s", apperr.ErrStoreFailed, m.state)
	}
}

// Open compares the on-disk version with Expected and migrates forward one
// step at a time. It may be called again after a failure once the cause has
// been fixed.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Unopened && m.state != Failed {
		st := m.state
		m.mu.Unlock()
		if st == Current {
			return nil
		}
		return fmt.Errorf("schema: open while %s", st)
	}
	m.state = Opening
	m.cause = nil
	m.mu.Unlock()

	if err := m.open(ctx); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

func (m *Manager) open(ctx context.Context) error {
	if _, err := m.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return apperr.Storage("schema: create version table", err)
	}

	onDisk, err := m.readVersion(ctx)
	if err != nil {
		return err
	}
	m.setVersion(onDisk)

	expected := m.Expected()
	switch {
	case onDisk == expected:
		m.setState(Current)
		m.logger.Debug("schema: current", slog.Int("version", onDisk))
		return nil
	case onDisk > expected:
		return fmt.Errorf("schema: on-disk version %d is newer than supported %d: %w",
			onDisk, expected, apperr.ErrIncompatibleSchema)
	}

	m.setState(Migrating)
	for v := onDisk; v < expected; v++ {
		step := m.steps[v]
		if err := m.apply(ctx, v+1, step); err != nil {
			return err
		}
		m.setVersion(v + 1)
		m.logger.Info("schema: migrated",
			slog.Int("version", v+1),
			slog.String("step", step.Name))
	}
	m.setState(Current)
	return nil
}

func (m *Manager) apply(ctx context.Context, target int, step Step) error {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage(fmt.Sprintf("schema: begin migration %d", target), err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := step.Up(ctx, tx); err != nil {
		return fmt.Errorf("schema: migration %d (%s): %w", target, step.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, target, step.Name); err != nil {
		return apperr.Storage(fmt.Sprintf("schema: record migration %d", target), err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage(fmt.Sprintf("schema: commit migration %d", target), err)
	}
	return nil
}

func (m *Manager) readVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := m.conn.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.Storage("schema: read version", err)
	}
	return int(v.Int64), nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setVersion(v int) {
	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = Failed
	m.cause = err
	m.mu.Unlock()
	m.logger.Error("schema: open failed", slog.String("error", err.Error()))
}
