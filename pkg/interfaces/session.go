package interfaces

import "tutorchat/pkg/types"

// SessionProvider exposes the logged-in identity.
// FUNCTIONAL DISCOVERY: SoundEnabled is read on every call, never cached by
// callers, so preference changes apply to the very next event
type SessionProvider interface {
	Current() (*types.Session, error)
	Email() string
	SoundEnabled() bool
}
