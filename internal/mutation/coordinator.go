package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

var (
	ErrDeleteInProgress   = errors.New("delete already in progress for message")
	ErrKindMismatch       = errors.New("message kind does not match room kind")
	ErrRoomNotJoined      = errors.New("room is not joined")
	ErrEditNotImplemented = errors.New("editing messages is not implemented")
)

// Deleter is the archive's delete surface.
type Deleter interface {
	DeleteNormalChat(ctx context.Context, messageID string) error
	DeleteGlobalChat(ctx context.Context, messageID string) error
}

// LocalStore is the room message state a delete reconciles.
type LocalStore interface {
	Remove(room, id string) bool
	RemoveEverywhere(id string) []string
}

// RoomLookup resolves a joined room's kind.
type RoomLookup func(room string) (types.Room, bool)

type route struct {
	messageKind types.MessageKind
	event       string
	apiKind     string
	call        func(d Deleter, ctx context.Context, id string) error
}

func deleteNormal(d Deleter, ctx context.Context, id string) error { return d.DeleteNormalChat(ctx, id) }
func deleteGlobal(d Deleter, ctx context.Context, id string) error { return d.DeleteGlobalChat(ctx, id) }

// ARCHITECTURAL DISCOVERY: one coordinator parameterised by room flavour;
// support shares the global endpoint but announces its own event
var routes = map[types.RoomKind]route{
	types.RoomKindDirect:    {types.MessageKindNormal, types.EventNormalChatDeleted, "normal", deleteNormal},
	types.RoomKindBroadcast: {types.MessageKindBroadcast, types.EventGlobalChatDeleted, "global", deleteGlobal},
	types.RoomKindSupport:   {types.MessageKindBroadcast, types.EventSupportChatDeleted, "global", deleteGlobal},
}

// DeletionEvent returns the broadcast event name for deletes in rooms of kind.
func DeletionEvent(kind types.RoomKind) (string, bool) {
	r, ok := routes[kind]
	return r.event, ok
}

// Coordinator issues deletes and reconciles local state with their echoes.
type Coordinator struct {
	deleter Deleter
	store   LocalStore
	rooms   RoomLookup
	emitter interfaces.Emitter
	sink    interfaces.EventSink
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}

	menu MenuState
}

// NewCoordinator wires a coordinator. sink and m may be nil.
func NewCoordinator(deleter Deleter, store LocalStore, rooms RoomLookup, emitter interfaces.Emitter,
	sink interfaces.EventSink, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		deleter:  deleter,
		store:    store,
		rooms:    rooms,
		emitter:  emitter,
		sink:     sink,
		logger:   logging.OrNop(logger),
		metrics:  m,
		inflight: make(map[string]struct{}),
	}
}

// Delete removes messageID from roomID. Local state changes only after the
// archive confirms; then exactly one deletion event is broadcast.
func (c *Coordinator) Delete(ctx context.Context, messageID, roomID string, kind types.MessageKind) error {
	if messageID == "" {
		return types.ErrMissingMessageID
	}
	room, ok := c.rooms(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotJoined, roomID)
	}
	r, ok := routes[room.Kind]
	if !ok {
		return types.ErrInvalidRoomKind
	}
	if kind != r.messageKind {
		return fmt.Errorf("%w: %s message in %s room", ErrKindMismatch, kind, room.Kind)
	}

	if !c.begin(messageID) {
		return ErrDeleteInProgress
	}
	defer c.end(messageID)

	if err := r.call(c.deleter, ctx, messageID); err != nil {
		c.count(r.apiKind, metrics.ResultError)
		c.logger.Error("message_delete_failed",
			zap.String("room", roomID),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	c.count(r.apiKind, metrics.ResultOK)

	c.removeLocal(roomID, messageID)

	payload := types.DeletePayload{MessageID: messageID, Room: roomID}
	if err := c.emitter.Emit(r.event, payload); err != nil {
		// archive already deleted it; peers reconcile on their next fetch
		c.logger.Warn("message_delete_broadcast_failed",
			zap.String("event", r.event),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}

	c.logger.Info("message_deleted", zap.String("room", roomID), zap.String("message_id", messageID))
	return nil
}

// ApplyEcho handles a deletion event from the socket. Repeats and echoes of
// our own deletes are harmless. An echo without a room is applied to every
// open room.
func (c *Coordinator) ApplyEcho(roomID, messageID string) bool {
	if messageID == "" {
		return false
	}
	if roomID != "" {
		return c.removeLocal(roomID, messageID)
	}
	rooms := c.store.RemoveEverywhere(messageID)
	for _, room := range rooms {
		c.removed(room, messageID)
	}
	return len(rooms) > 0
}

func (c *Coordinator) removeLocal(roomID, messageID string) bool {
	removed := c.store.Remove(roomID, messageID)
	if removed {
		c.removed(roomID, messageID)
	}
	return removed
}

func (c *Coordinator) removed(roomID, messageID string) {
	c.menu.closeIf(messageID)
	if c.sink != nil {
		c.sink.Publish(types.FeedEvent{
			Type: types.FeedMessageDeleted,
			Room: roomID,
			Data: types.DeletePayload{MessageID: messageID, Room: roomID},
		})
	}
}

// Edit is exposed for interface completeness and always fails.
func (c *Coordinator) Edit(ctx context.Context, messageID, roomID, body string) error {
	return ErrEditNotImplemented
}

// Menu returns the options-menu state.
func (c *Coordinator) Menu() *MenuState {
	return &c.menu
}

func (c *Coordinator) begin(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) end(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Coordinator) count(kind, result string) {
	if c.metrics != nil {
		c.metrics.Deletes.WithLabelValues(kind, result).Inc()
	}
}
