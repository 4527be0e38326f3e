package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

// Manager holds the one authenticated session of this process.
// FUNCTIONAL DISCOVERY: the sound preference lives in an atomic so every
// reader sees the newest value without taking the session lock
type Manager struct {
	store        interfaces.SnapshotStore
	soundDefault bool
	logger       *zap.Logger

	mu      sync.RWMutex
	current *types.Session
	sound   atomic.Bool
}

// NewManager creates a manager. store may be nil, in which case the sound
// preference is not persisted.
func NewManager(store interfaces.SnapshotStore, soundDefault bool, logger *zap.Logger) *Manager {
	return &Manager{
		store:        store,
		soundDefault: soundDefault,
		logger:       logging.OrNop(logger),
	}
}

// Login installs sess as the current session. An unset sound preference is
// resolved from the store, then from the configured default.
func (m *Manager) Login(ctx context.Context, sess types.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	sess.StudentIDs = removeDuplicates(sess.StudentIDs)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return ErrAlreadyLoggedIn
	}

	enabled := m.soundDefault
	switch {
	case sess.SoundEnabled != nil:
		enabled = *sess.SoundEnabled
	case m.store != nil:
		stored, err := m.store.LoadSoundPreference(ctx, sess.Email)
		switch {
		case err == nil:
			enabled = stored
		case errors.Is(err, interfaces.ErrPreferenceNotFound):
		default:
			m.logger.Warn("sound_preference_load_failed", zap.String("email", sess.Email), zap.Error(err))
		}
	}
	sess.SoundEnabled = &enabled
	m.sound.Store(enabled)

	m.current = &sess
	m.logger.Info("session_started",
		zap.String("user_id", sess.ID),
		zap.String("role", string(sess.Role)),
		zap.Int("students", len(sess.StudentIDs)),
		zap.Bool("sound", enabled),
	)
	return nil
}

// Logout destroys the current session.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return interfaces.ErrNoSession
	}
	m.logger.Info("session_ended", zap.String("user_id", m.current.ID))
	m.current = nil
	return nil
}

// Current returns a copy of the session.
func (m *Manager) Current() (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil, interfaces.ErrNoSession
	}
	cp := *m.current
	cp.StudentIDs = append([]string(nil), m.current.StudentIDs...)
	enabled := m.sound.Load()
	cp.SoundEnabled = &enabled
	return &cp, nil
}

func (m *Manager) Email() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.Email
}

// SoundEnabled is the live preference read on every inbound message.
func (m *Manager) SoundEnabled() bool {
	return m.sound.Load()
}

// SetSoundEnabled updates the preference. It applies immediately; a failure
// to persist it is logged and returned but does not revert it.
func (m *Manager) SetSoundEnabled(ctx context.Context, enabled bool) error {
	m.mu.RLock()
	sess := m.current
	m.mu.RUnlock()
	if sess == nil {
		return interfaces.ErrNoSession
	}

	m.sound.Store(enabled)

	if m.store == nil {
		return nil
	}
	if err := m.store.SaveSoundPreference(ctx, sess.Email, enabled); err != nil {
		m.logger.Warn("sound_preference_save_failed", zap.Error(err))
		return fmt.Errorf("failed to persist sound preference: %w", err)
	}
	return nil
}

// removeDuplicates keeps the first occurrence of each id, in order.
func removeDuplicates(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
