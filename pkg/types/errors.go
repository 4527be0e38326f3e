package types

import "errors"

var (
	ErrInvalidUserID    = errors.New("user ID must be 1-100 characters without whitespace")
	ErrInvalidRoomID    = errors.New("room ID must be 1-100 characters without whitespace")
	ErrInvalidRole      = errors.New("role must be student, teacher or admin")
	ErrInvalidEmail     = errors.New("email address is required")
	ErrInvalidRoomKind  = errors.New("room kind must be direct, group-broadcast or support")
	ErrMissingMessageID = errors.New("message ID is required")
	ErrEmptyBody        = errors.New("message body cannot be empty")
	ErrBodyTooLarge     = errors.New("message body exceeds 64KB limit")
	ErrInvalidBody      = errors.New("message body must be valid UTF-8")
)
