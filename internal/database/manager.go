package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
	dbconfig "tutorchat/pkg/database"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite-backed SnapshotStore.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and starts
// the writer goroutine.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.NewMigrationManager(db, dbconfig.Migrations())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logging.OrNop(logger),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	manager.logger.Info("database_opened", zap.String("path", config.DatabasePath))
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)
		case <-m.shutdown:
			m.logger.Debug("database_write_loop_stopped")
			return
		}
	}
}

// runWrite retries a failed write exactly once after the retry delay.
func (m *Manager) runWrite(op writeOperation) error {
	err := op.operation(op.ctx, m.db)
	if err == nil || op.ctx.Err() != nil {
		return err
	}
	m.logger.Warn("database_write_failed_retrying", zap.Duration("delay", m.config.RetryDelay), zap.Error(err))

	timer := time.NewTimer(m.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-op.ctx.Done():
		return op.ctx.Err()
	case <-m.shutdown:
		return err
	}

	if err = op.operation(op.ctx, m.db); err != nil {
		m.logger.Error("database_write_failed", zap.Error(err))
	}
	return err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// SaveUnreadSnapshot replaces the stored ledger for email.
func (m *Manager) SaveUnreadSnapshot(ctx context.Context, email string, snap *types.UnreadSnapshot) error {
	if snap == nil {
		return errors.New("snapshot cannot be nil")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	mode := "student"
	if snap.PerRoom {
		mode = "teacher"
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO unread_snapshots (email, mode, snapshot, refreshed_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(email) DO UPDATE SET
				mode = excluded.mode,
				snapshot = excluded.snapshot,
				refreshed_at = excluded.refreshed_at,
				updated_at = CURRENT_TIMESTAMP
		`, email, mode, string(payload), snap.RefreshedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save unread snapshot: %w", err)
		}
		return nil
	})
}

// LoadUnreadSnapshot returns interfaces.ErrSnapshotNotFound when nothing
// was stored for email.
func (m *Manager) LoadUnreadSnapshot(ctx context.Context, email string) (*types.UnreadSnapshot, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	var payload string
	err := m.db.QueryRowContext(ctx,
		`SELECT snapshot FROM unread_snapshots WHERE email = ?`, email,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query unread snapshot: %w", err)
	}

	var snap types.UnreadSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unread snapshot: %w", err)
	}
	return &snap, nil
}

func (m *Manager) SaveSoundPreference(ctx context.Context, email string, enabled bool) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO preferences (email, sound_enabled, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(email) DO UPDATE SET
				sound_enabled = excluded.sound_enabled,
				updated_at = CURRENT_TIMESTAMP
		`, email, enabled)
		if err != nil {
			return fmt.Errorf("failed to save sound preference: %w", err)
		}
		return nil
	})
}

// LoadSoundPreference returns interfaces.ErrPreferenceNotFound when the
// user never changed it.
func (m *Manager) LoadSoundPreference(ctx context.Context, email string) (bool, error) {
	var enabled bool
	err := m.db.QueryRowContext(ctx,
		`SELECT sound_enabled FROM preferences WHERE email = ?`, email,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, interfaces.ErrPreferenceNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to query sound preference: %w", err)
	}
	return enabled, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM unread_snapshots").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Closing twice is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
