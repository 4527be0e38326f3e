package interfaces

import "errors"

// Common errors shared by implementations of these interfaces
var (
	ErrNoSession          = errors.New("no active session")
	ErrSnapshotNotFound   = errors.New("unread snapshot not found")
	ErrPreferenceNotFound = errors.New("sound preference not found")
)
