package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/pkg/types"
)

// WebSocket upgrader for the local feed
// ARCHITECTURAL DISCOVERY: Separate upgrader configuration enables reuse
// and consistent WebSocket settings across different handler instances
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: the feed listens on loopback for local consumers
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Greeter returns the events a new subscriber receives before live ones,
// typically the connection state and the current unread snapshot.
type Greeter func() []types.FeedEvent

// HandlerOptions tunes heartbeat and buffering.
type HandlerOptions struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// Handler serves the consumer event feed
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// the engine only ever sees the Registry as an EventSink
type Handler struct {
	registry *Registry
	greeter  Greeter
	opts     HandlerOptions
	logger   *zap.Logger
}

// NewHandler creates a feed handler. greeter may be nil.
func NewHandler(registry *Registry, greeter Greeter, opts HandlerOptions, logger *zap.Logger) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= opts.PingInterval {
		opts.ReadTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		registry: registry,
		greeter:  greeter,
		opts:     opts,
		logger:   logging.OrNop(logger),
	}
}

// Count reports the live subscriber count.
func (h *Handler) Count() int {
	return h.registry.Count()
}

// ParseRooms splits the rooms query parameter. Empty means every room.
func ParseRooms(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var rooms []string
	for _, r := range strings.Split(raw, ",") {
		r = strings.TrimSpace(r)
		if !types.IsValidID(r) {
			return nil, ErrInvalidRooms
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// HandleWebSocket upgrades a consumer and registers it on the feed
// ARCHITECTURAL DISCOVERY: validate parameters -> upgrade -> greet -> register,
// so the greeting is always the first frame a subscriber reads
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	rooms, err := ParseRooms(r.URL.Query().Get("rooms"))
	if err != nil {
		http.Error(w, "Invalid rooms parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed_upgrade_failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, Options{
		BufferSize:   h.opts.BufferSize,
		WriteTimeout: h.opts.WriteTimeout,
		Rooms:        rooms,
	})

	if h.greeter != nil {
		for _, evt := range h.greeter() {
			if !wsConn.Wants(evt.Room) {
				continue
			}
			if evt.Timestamp.IsZero() {
				evt.Timestamp = time.Now()
			}
			if err := wsConn.WriteJSON(evt); err != nil {
				h.logger.Warn("feed_greeting_failed", zap.Error(err))
				break
			}
		}
	}

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.logger.Error("feed_register_failed", zap.Error(err))
		_ = wsConn.Close()
		return
	}
	h.logger.Debug("feed_subscribed", zap.String("connection_id", wsConn.GetID()), zap.Strings("rooms", rooms))

	go h.handleConnection(wsConn)
}

// handleConnection runs heartbeat and the read pump until the consumer goes away
// TECHNICAL DISCOVERY: read deadline longer than the ping interval detects dead peers
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.logger.Debug("feed_unsubscribed", zap.String("connection_id", conn.GetID()))
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(h.opts.WriteTimeout); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	// the feed is push-only; inbound frames are read to service control frames
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed_read_error", zap.Error(err))
			}
			return
		}
	}
}
