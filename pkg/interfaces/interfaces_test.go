package interfaces_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

type mockConnection struct{}

func (m *mockConnection) WriteJSON(v interface{}) error { return nil }
func (m *mockConnection) Close() error                  { return nil }
func (m *mockConnection) GetID() string                 { return "c1" }
func (m *mockConnection) Wants(room string) bool        { return true }

type mockStore struct{}

func (m *mockStore) SaveUnreadSnapshot(ctx context.Context, email string, snap *types.UnreadSnapshot) error {
	return nil
}
func (m *mockStore) LoadUnreadSnapshot(ctx context.Context, email string) (*types.UnreadSnapshot, error) {
	return nil, interfaces.ErrSnapshotNotFound
}
func (m *mockStore) SaveSoundPreference(ctx context.Context, email string, enabled bool) error {
	return nil
}
func (m *mockStore) LoadSoundPreference(ctx context.Context, email string) (bool, error) {
	return false, interfaces.ErrPreferenceNotFound
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

type mockSession struct{}

func (m *mockSession) Current() (*types.Session, error) { return nil, interfaces.ErrNoSession }
func (m *mockSession) Email() string                    { return "" }
func (m *mockSession) SoundEnabled() bool               { return true }

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = &mockConnection{}
	var _ interfaces.SnapshotStore = &mockStore{}
	var _ interfaces.SessionProvider = &mockSession{}
}

func TestInterfaces_SentinelErrors(t *testing.T) {
	_, err := (&mockStore{}).LoadUnreadSnapshot(context.Background(), "a@example.com")
	assert.True(t, errors.Is(err, interfaces.ErrSnapshotNotFound))

	_, err = (&mockSession{}).Current()
	assert.ErrorIs(t, err, interfaces.ErrNoSession)

	assert.NotEqual(t, interfaces.ErrSnapshotNotFound, interfaces.ErrPreferenceNotFound)
}
