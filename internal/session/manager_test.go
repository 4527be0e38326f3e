package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

type mockStore struct {
	mu      sync.Mutex
	prefs   map[string]bool
	saveErr error
	loadErr error
}

func newMockStore() *mockStore {
	return &mockStore{prefs: make(map[string]bool)}
}

func (m *mockStore) SaveUnreadSnapshot(ctx context.Context, email string, snap *types.UnreadSnapshot) error {
	return nil
}
func (m *mockStore) LoadUnreadSnapshot(ctx context.Context, email string) (*types.UnreadSnapshot, error) {
	return nil, interfaces.ErrSnapshotNotFound
}
func (m *mockStore) SaveSoundPreference(ctx context.Context, email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.prefs[email] = enabled
	return nil
}
func (m *mockStore) LoadSoundPreference(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return false, m.loadErr
	}
	v, ok := m.prefs[email]
	if !ok {
		return false, interfaces.ErrPreferenceNotFound
	}
	return v, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

func teacher() types.Session {
	return types.Session{ID: "t1", Role: types.RoleTeacher, Email: "t@example.com", Name: "Teacher", StudentIDs: []string{"s1", "s2", "s1"}}
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.SessionProvider = &Manager{}
}

func TestManager_LoginLogout(t *testing.T) {
	m := NewManager(nil, true, nil)

	_, err := m.Current()
	assert.ErrorIs(t, err, interfaces.ErrNoSession)

	require.NoError(t, m.Login(context.Background(), teacher()))
	assert.ErrorIs(t, m.Login(context.Background(), teacher()), ErrAlreadyLoggedIn)

	sess, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, "t@example.com", sess.Email)
	assert.Equal(t, []string{"s1", "s2"}, sess.StudentIDs, "student ids are de-duplicated")
	assert.Equal(t, "t@example.com", m.Email())

	require.NoError(t, m.Logout())
	assert.ErrorIs(t, m.Logout(), interfaces.ErrNoSession)
	assert.Empty(t, m.Email())
}

func TestManager_LoginValidates(t *testing.T) {
	m := NewManager(nil, true, nil)
	err := m.Login(context.Background(), types.Session{ID: "x", Role: "guest", Email: "x@example.com"})
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestManager_SoundPreferenceResolution(t *testing.T) {
	off := false

	t.Run("explicit session value wins", func(t *testing.T) {
		store := newMockStore()
		store.prefs["t@example.com"] = true
		m := NewManager(store, true, nil)
		sess := teacher()
		sess.SoundEnabled = &off
		require.NoError(t, m.Login(context.Background(), sess))
		assert.False(t, m.SoundEnabled())
	})

	t.Run("stored value used when unset", func(t *testing.T) {
		store := newMockStore()
		store.prefs["t@example.com"] = false
		m := NewManager(store, true, nil)
		require.NoError(t, m.Login(context.Background(), teacher()))
		assert.False(t, m.SoundEnabled())
	})

	t.Run("default when nothing stored", func(t *testing.T) {
		m := NewManager(newMockStore(), true, nil)
		require.NoError(t, m.Login(context.Background(), teacher()))
		assert.True(t, m.SoundEnabled())
	})

	t.Run("store failure falls back to default", func(t *testing.T) {
		store := newMockStore()
		store.loadErr = errors.New("disk gone")
		m := NewManager(store, false, nil)
		require.NoError(t, m.Login(context.Background(), teacher()))
		assert.False(t, m.SoundEnabled())
	})
}

func TestManager_SetSoundEnabled(t *testing.T) {
	store := newMockStore()
	m := NewManager(store, true, nil)

	assert.ErrorIs(t, m.SetSoundEnabled(context.Background(), false), interfaces.ErrNoSession)

	require.NoError(t, m.Login(context.Background(), teacher()))
	require.NoError(t, m.SetSoundEnabled(context.Background(), false))
	assert.False(t, m.SoundEnabled())
	assert.False(t, store.prefs["t@example.com"])

	sess, err := m.Current()
	require.NoError(t, err)
	require.NotNil(t, sess.SoundEnabled)
	assert.False(t, *sess.SoundEnabled)

	store.saveErr = errors.New("read-only")
	assert.Error(t, m.SetSoundEnabled(context.Background(), true))
	assert.True(t, m.SoundEnabled(), "preference applies even when persisting fails")
}

func TestRemoveDuplicates(t *testing.T) {
	assert.Nil(t, removeDuplicates(nil))
	assert.Equal(t, []string{"a", "b", "c"}, removeDuplicates([]string{"a", "b", "a", "c", "b"}))
}
