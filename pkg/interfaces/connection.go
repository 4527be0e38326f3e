package interfaces

import "tutorchat/pkg/types"

// Connection is a consumer feed connection.
// ARCHITECTURAL DISCOVERY: implementations must serialize writes through a
// single writer goroutine
type Connection interface {
	// WriteJSON queues v for delivery (thread-safe)
	WriteJSON(v interface{}) error

	// Close stops the writer and closes the socket
	Close() error

	// GetID returns the connection instance id
	GetID() string

	// Wants reports whether the consumer subscribed to events for room.
	// An empty room (session-wide event) is always wanted.
	Wants(room string) bool
}

// Emitter sends one event on the shared backend socket.
type Emitter interface {
	Emit(event string, data interface{}) error
}

// EventSink receives events destined for local consumers.
type EventSink interface {
	Publish(evt types.FeedEvent)
}
