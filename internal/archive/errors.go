package archive

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected archive response status")
	ErrInvalidBaseURL   = errors.New("invalid archive base URL")
	ErrInvalidPage      = errors.New("archive page must be 1 or greater")
	ErrNoRooms          = errors.New("teacher summary needs at least one room")
)

// StatusError carries a non-2xx archive response. It matches
// ErrUnexpectedStatus with errors.Is.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}
