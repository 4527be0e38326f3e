package session

import "errors"

var (
	ErrInvalidSession  = errors.New("invalid session")
	ErrAlreadyLoggedIn = errors.New("a session is already active")
)
