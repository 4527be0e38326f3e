package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/membership"
	"tutorchat/internal/metrics"
	"tutorchat/internal/mutation"
	"tutorchat/internal/notify"
	"tutorchat/internal/router"
	"tutorchat/internal/stream"
	"tutorchat/internal/unread"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

// Transport is the shared backend socket as the hub sees it.
type Transport interface {
	interfaces.Emitter
	Events() <-chan types.Envelope
	IsConnected() bool
}

// SessionStore is the logged-in identity plus the mutable sound preference.
type SessionStore interface {
	interfaces.SessionProvider
	SetSoundEnabled(ctx context.Context, enabled bool) error
}

// Components are the collaborators the hub coordinates. Sink and Metrics
// may be nil.
type Components struct {
	Session   SessionStore
	Archive   interfaces.Archive
	Transport Transport
	Tracker   *membership.Tracker
	Merger    *stream.Merger
	Unread    *unread.Aggregator
	Notify    *notify.Dispatcher
	Mutation  *mutation.Coordinator
	Router    *router.Router
	Sink      interfaces.EventSink
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Hub is the engine's event loop and the facade consumers drive
// ARCHITECTURAL DISCOVERY: Central coordination point for all message flow;
// one goroutine consumes transport events in arrival order while archive
// fetches, acks and refreshes run on helper goroutines
type Hub struct {
	c      Components
	logger *zap.Logger

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	mu       sync.RWMutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}
	loopCtx  context.Context

	focusMu  sync.RWMutex
	focused  map[string]bool
	presence map[string]types.UserStatus

	workers sync.WaitGroup
}

// NewHub wires the hub and subscribes it to unread changes.
func NewHub(c Components) *Hub {
	h := &Hub{
		c:        c,
		logger:   logging.OrNop(c.Logger),
		focused:  make(map[string]bool),
		presence: make(map[string]types.UserStatus),
		loopCtx:  context.Background(),
	}
	if c.Unread != nil {
		c.Unread.OnChange(func(snap types.UnreadSnapshot) {
			h.publish(types.FeedEvent{Type: types.FeedUnread, Data: snap})
		})
	}
	return h
}

// Start begins consuming transport events
// FUNCTIONAL DISCOVERY: Single hub goroutine prevents race conditions
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})
	h.loopCtx = ctx

	h.logger.Info("hub_starting")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop ends the loop and waits for helper goroutines.
// TECHNICAL DISCOVERY: Graceful shutdown prevents goroutine leaks
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.workers.Wait()
	h.logger.Info("hub_stopped")
	return nil
}

// IsRunning reports whether the event loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)
	events := h.c.Transport.Events()
	for {
		select {
		case env := <-events:
			h.handleEvent(ctx, env)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.logger.Info("hub_context_cancelled")
			return
		}
	}
}

// handleEvent dispatches one socket event. Failures are logged and never
// stop the loop.
func (h *Hub) handleEvent(ctx context.Context, env types.Envelope) {
	switch {
	case env.Event == types.EventConnect:
		h.onConnect(ctx)
	case env.Event == types.EventDisconnect:
		h.publish(types.FeedEvent{Type: types.FeedConnection, Data: map[string]bool{"connected": false}})
	case env.Event == types.EventNewChat:
		h.refreshAsync()
	case env.Event == types.EventUserStatus:
		h.onUserStatus(env)
	case types.IsDeletionEvent(env.Event):
		h.onDeletion(env)
	default:
		if kind, ok := types.RoomKindForEvent(env.Event); ok {
			h.onChat(ctx, kind, env)
			return
		}
		h.logger.Debug("socket_event_ignored", zap.String("event", env.Event))
	}
}

// onConnect re-announces every tracked room and retries history for rooms
// whose first fetch failed. Buffered history is kept; the merger reconciles
// anything replayed.
func (h *Hub) onConnect(ctx context.Context) {
	sess, err := h.c.Session.Current()
	if err != nil {
		h.logger.Warn("connect_without_session", zap.Error(err))
		return
	}
	rooms := h.c.Tracker.Rooms()
	for _, room := range rooms {
		if err := h.c.Transport.Emit(types.EventJoin, types.JoinPayload{Username: sess.Email, Room: room.ID}); err != nil {
			h.logger.Warn("rejoin_failed", zap.String("room", room.ID), zap.Error(err))
		}
		if h.c.Merger.NeedsSeed(room.ID) {
			room := room
			h.background(func(ctx context.Context) {
				_ = h.seed(ctx, sess, room.ID, room.Kind)
			})
		}
	}
	h.logger.Info("socket_ready", zap.Int("rejoined", len(rooms)))
	h.publish(types.FeedEvent{Type: types.FeedConnection, Data: map[string]bool{"connected": true}})
	h.refreshAsync()
}

func (h *Hub) onChat(ctx context.Context, kind types.RoomKind, env types.Envelope) {
	var msg types.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		h.logger.Warn("chat_payload_malformed", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		h.logger.Warn("chat_payload_invalid", zap.String("event", env.Event), zap.Error(err))
		return
	}

	room, joined := h.c.Tracker.Room(msg.Room)
	if !joined {
		h.logger.Debug("chat_for_unjoined_room", zap.String("room", msg.Room))
		return
	}
	if room.Kind != kind {
		h.logger.Warn("chat_event_kind_mismatch",
			zap.String("room", msg.Room),
			zap.String("event", env.Event),
			zap.String("room_kind", string(room.Kind)),
		)
		return
	}

	if !h.c.Merger.AppendLive(msg.Room, msg) {
		// duplicate, tombstoned or closed
		return
	}
	h.publish(types.FeedEvent{
		Type: types.FeedMessage,
		Room: msg.Room,
		Data: types.LiveMessage{Message: msg, IsAttachment: msg.IsAttachment(room.Kind)},
	})

	if h.c.Notify != nil && h.c.Notify.Dispatch(ctx, msg) {
		h.publish(types.FeedEvent{Type: types.FeedNotify, Room: msg.Room, Data: msg})
	}

	if strings.EqualFold(msg.SenderEmail, h.c.Session.Email()) {
		return
	}
	if h.IsFocused(msg.Room) {
		roomCopy := room
		h.background(func(ctx context.Context) {
			if err := h.ack(ctx, roomCopy); err != nil {
				h.logger.Warn("read_ack_failed", zap.String("room", roomCopy.ID), zap.Error(err))
			}
			_ = h.c.Unread.Refresh(ctx)
		})
		return
	}
	h.refreshAsync()
}

func (h *Hub) onDeletion(env types.Envelope) {
	var p types.DeletePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.MessageID == "" {
		h.logger.Warn("delete_payload_malformed", zap.String("event", env.Event), zap.Error(err))
		return
	}
	h.c.Mutation.ApplyEcho(p.Room, p.MessageID)
}

func (h *Hub) onUserStatus(env types.Envelope) {
	var st types.UserStatus
	if err := json.Unmarshal(env.Data, &st); err != nil || st.ID == "" {
		h.logger.Warn("presence_payload_malformed", zap.Error(err))
		return
	}
	h.focusMu.Lock()
	h.presence[st.ID] = st
	h.focusMu.Unlock()
	h.publish(types.FeedEvent{Type: types.FeedPresence, Data: st})
}

// Join registers a room, announces it on the socket and performs the
// one-time history fetch. A repeat join only fetches again if the earlier
// fetch failed.
func (h *Hub) Join(ctx context.Context, roomID string, kind types.RoomKind, displayName string) (bool, error) {
	sess, err := h.c.Session.Current()
	if err != nil {
		return false, err
	}
	added, err := h.c.Tracker.Join(roomID, kind, displayName)
	if err != nil {
		return false, err
	}
	if !added {
		if !h.c.Merger.NeedsSeed(roomID) {
			return false, nil
		}
		if err := h.seed(ctx, sess, roomID, kind); err != nil {
			return false, fmt.Errorf("room %s history still unavailable: %w", roomID, err)
		}
		h.logger.Info("room_history_recovered", zap.String("room", roomID))
		return false, nil
	}
	h.gaugeRooms()
	h.c.Merger.Open(roomID)

	if err := h.c.Transport.Emit(types.EventJoin, types.JoinPayload{Username: sess.Email, Room: roomID}); err != nil {
		// sent again on the next connect event
		h.logger.Warn("join_emit_failed", zap.String("room", roomID), zap.Error(err))
	}

	if err := h.seed(ctx, sess, roomID, kind); err != nil {
		return true, fmt.Errorf("room %s joined but history unavailable: %w", roomID, err)
	}

	h.logger.Info("room_joined", zap.String("room", roomID), zap.String("kind", string(kind)))
	if sess.AggregatesRooms() && kind == types.RoomKindDirect {
		h.refreshAsync()
	}
	return true, nil
}

// seed fetches the room's recent history with the kind's endpoint.
func (h *Hub) seed(ctx context.Context, sess *types.Session, roomID string, kind types.RoomKind) error {
	fetch := func(ctx context.Context) ([]types.Message, error) {
		if kind == types.RoomKindDirect {
			return h.c.Archive.Messages(ctx, roomID, sess.Email)
		}
		return h.c.Archive.GlobalChats(ctx, roomID, sess.Email)
	}
	if err := h.c.Merger.Seed(ctx, roomID, fetch); err != nil {
		h.logger.Warn("room_history_failed", zap.String("room", roomID), zap.Error(err))
		return err
	}
	return nil
}

// Leave stops live delivery for a room. History on the backend is untouched.
func (h *Hub) Leave(roomID string) error {
	if !h.c.Tracker.Leave(roomID) {
		return ErrRoomNotJoined
	}
	h.gaugeRooms()
	h.c.Merger.Close(roomID)
	h.c.Router.Forget(roomID)
	h.Blur(roomID)

	if err := h.c.Transport.Emit(types.EventLeave, types.LeavePayload{Room: roomID}); err != nil {
		h.logger.Warn("leave_emit_failed", zap.String("room", roomID), zap.Error(err))
	}
	h.logger.Info("room_left", zap.String("room", roomID))
	return nil
}

// ClearRooms drops every joined room with its buffered history and focus,
// without announcing leaves on the socket. Used at logout.
func (h *Hub) ClearRooms() {
	for _, room := range h.c.Tracker.Rooms() {
		h.c.Merger.Close(room.ID)
		h.c.Router.Forget(room.ID)
		h.Blur(room.ID)
	}
	h.c.Tracker.Clear()
	h.gaugeRooms()
}

// Rooms lists the joined rooms.
func (h *Hub) Rooms() []types.Room {
	return h.c.Tracker.Rooms()
}

// Messages returns a room's merged history and whether older pages remain.
func (h *Hub) Messages(roomID string) ([]types.Message, bool, error) {
	if !h.c.Tracker.IsJoined(roomID) {
		return nil, false, ErrRoomNotJoined
	}
	return h.c.Merger.Messages(roomID), h.c.Merger.HasMore(roomID), nil
}

// LoadMore prepends the next archive page.
func (h *Hub) LoadMore(ctx context.Context, roomID string) (stream.LoadResult, error) {
	if !h.c.Tracker.IsJoined(roomID) {
		return stream.LoadResult{}, ErrRoomNotJoined
	}
	return h.c.Merger.LoadMore(ctx, roomID)
}

// Send emits body to a room; it shows up in history with the server echo.
func (h *Hub) Send(ctx context.Context, roomID, body string, isFile bool) (*types.OutboundChat, error) {
	return h.c.Router.Send(ctx, roomID, body, isFile)
}

// Delete removes a message. An empty kind is derived from the room.
func (h *Hub) Delete(ctx context.Context, roomID, messageID string, kind types.MessageKind) error {
	if kind == "" {
		room, ok := h.c.Tracker.Room(roomID)
		if !ok {
			return ErrRoomNotJoined
		}
		kind = room.Kind.MessageKind()
	}
	return h.c.Mutation.Delete(ctx, messageID, roomID, kind)
}

// Edit is not supported.
func (h *Hub) Edit(ctx context.Context, roomID, messageID, body string) error {
	return h.c.Mutation.Edit(ctx, messageID, roomID, body)
}

// ToggleMenu flips the options menu for a message and returns the open id.
func (h *Hub) ToggleMenu(messageID string) string {
	return h.c.Mutation.Menu().Toggle(messageID)
}

// Focus marks a room as actively viewed: acknowledges it read on the
// archive, then refreshes the unread ledger.
func (h *Hub) Focus(ctx context.Context, roomID string) error {
	room, ok := h.c.Tracker.Room(roomID)
	if !ok {
		return ErrRoomNotJoined
	}
	h.focusMu.Lock()
	h.focused[roomID] = true
	h.focusMu.Unlock()

	if err := h.ack(ctx, room); err != nil {
		h.logger.Warn("read_ack_failed", zap.String("room", roomID), zap.Error(err))
		return fmt.Errorf("mark %s read: %w", roomID, err)
	}
	if err := h.c.Unread.Refresh(ctx); err != nil {
		return err
	}
	return nil
}

// Blur clears a room's focus.
func (h *Hub) Blur(roomID string) {
	h.focusMu.Lock()
	delete(h.focused, roomID)
	h.focusMu.Unlock()
}

// IsFocused reports whether a room is actively viewed.
func (h *Hub) IsFocused(roomID string) bool {
	h.focusMu.RLock()
	defer h.focusMu.RUnlock()
	return h.focused[roomID]
}

// Unread returns the current ledger.
func (h *Hub) Unread() types.UnreadSnapshot {
	return h.c.Unread.Snapshot()
}

// RefreshUnread re-derives the ledger now.
func (h *Hub) RefreshUnread(ctx context.Context) error {
	return h.c.Unread.Refresh(ctx)
}

// SetSound updates the notification preference; the next event sees it.
func (h *Hub) SetSound(ctx context.Context, enabled bool) error {
	return h.c.Session.SetSoundEnabled(ctx, enabled)
}

// SoundEnabled reports the live preference.
func (h *Hub) SoundEnabled() bool {
	return h.c.Session.SoundEnabled()
}

// Presence lists the last known status of every user seen, by id.
func (h *Hub) Presence() []types.UserStatus {
	h.focusMu.RLock()
	out := make([]types.UserStatus, 0, len(h.presence))
	for _, st := range h.presence {
		out = append(out, st)
	}
	h.focusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connected reports the transport state.
func (h *Hub) Connected() bool {
	return h.c.Transport.IsConnected()
}

// ack issues the kind-appropriate mark-read call.
func (h *Hub) ack(ctx context.Context, room types.Room) error {
	sess, err := h.c.Session.Current()
	if err != nil {
		return err
	}
	if room.Kind == types.RoomKindDirect {
		return h.c.Archive.MarkDirectRead(ctx, room.ID, sess.Email)
	}
	return h.c.Archive.MarkBroadcastRead(ctx, room.ID, sess.ID)
}

func (h *Hub) refreshAsync() {
	h.background(func(ctx context.Context) {
		// failures keep last-known values and are logged by the aggregator
		_ = h.c.Unread.Refresh(ctx)
	})
}

func (h *Hub) background(fn func(ctx context.Context)) {
	h.mu.RLock()
	ctx := h.loopCtx
	h.mu.RUnlock()

	h.workers.Add(1)
	go func() {
		defer h.workers.Done()
		fn(ctx)
	}()
}

func (h *Hub) publish(evt types.FeedEvent) {
	if h.c.Sink != nil {
		h.c.Sink.Publish(evt)
	}
}

func (h *Hub) gaugeRooms() {
	if h.c.Metrics != nil {
		h.c.Metrics.JoinedRooms.Set(float64(h.c.Tracker.Count()))
	}
}
