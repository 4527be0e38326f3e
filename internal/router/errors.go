package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded for room")
	ErrRoomNotJoined     = errors.New("room is not joined")
)
