package interfaces

import (
	"context"

	"tutorchat/pkg/types"
)

// SnapshotStore persists per-session state that should survive a restart:
// the last-known unread ledger and the local sound preference.
type SnapshotStore interface {
	// SaveUnreadSnapshot replaces the stored ledger for email
	SaveUnreadSnapshot(ctx context.Context, email string, snap *types.UnreadSnapshot) error

	// LoadUnreadSnapshot returns ErrSnapshotNotFound when nothing was stored
	LoadUnreadSnapshot(ctx context.Context, email string) (*types.UnreadSnapshot, error)

	SaveSoundPreference(ctx context.Context, email string, enabled bool) error

	// LoadSoundPreference returns ErrPreferenceNotFound when nothing was stored
	LoadSoundPreference(ctx context.Context, email string) (bool, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
