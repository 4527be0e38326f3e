package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

// Registry tracks local feed subscribers and fans events out to them
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between event production and delivery
type Registry struct {
	mu      sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for publish-heavy access
	conns   map[string]interfaces.Connection
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry creates an empty registry. logger and m may be nil.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]interfaces.Connection),
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
	}
}

// RegisterConnection adds conn under its id.
func (r *Registry) RegisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	r.conns[conn.GetID()] = conn
	n := len(r.conns)
	r.mu.Unlock()

	r.gauge(n)
	return nil
}

// UnregisterConnection removes conn. Idempotent.
// RACE CONDITION FIX: only removes the instance that is registered under the id
func (r *Registry) UnregisterConnection(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	if registered, ok := r.conns[conn.GetID()]; ok && registered == conn {
		delete(r.conns, conn.GetID())
	}
	n := len(r.conns)
	r.mu.Unlock()

	r.gauge(n)
}

// Publish delivers evt to every subscriber that wants its room. A subscriber
// whose buffer is full is dropped rather than stalling the producer.
func (r *Registry) Publish(evt types.FeedEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}

	r.mu.RLock()
	targets := make([]interfaces.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Wants(evt.Room) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := deliver(c, evt); err != nil {
			r.logger.Warn("feed_delivery_failed",
				zap.String("connection_id", c.GetID()),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			r.UnregisterConnection(c)
			_ = c.Close()
		}
	}
}

func deliver(c interfaces.Connection, evt types.FeedEvent) error {
	if o, ok := c.(interface{ Offer(v interface{}) error }); ok {
		return o.Offer(evt)
	}
	return c.WriteJSON(evt)
}

// GetConnection looks a subscriber up by id.
func (r *Registry) GetConnection(id string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count is the number of subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every subscriber.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]interfaces.Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	r.gauge(0)
}

func (r *Registry) gauge(n int) {
	if r.metrics != nil {
		r.metrics.FeedSubscribers.Set(float64(n))
	}
}
