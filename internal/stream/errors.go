package stream

import "errors"

var (
	ErrRoomNotOpen    = errors.New("room stream is not open")
	ErrLoadInProgress = errors.New("archive page load already in progress for room")
	ErrStaleResponse  = errors.New("response arrived after the room stream was closed")
	ErrNoPageFetcher  = errors.New("no archive page fetcher configured")
)
