package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

// RoomLookup resolves a joined room.
type RoomLookup func(room string) (types.Room, bool)

// Router turns a consumer's send into the socket event for the room's kind
// ARCHITECTURAL DISCOVERY: pure outbound routing; the message only appears
// in local history when the server echoes it back
type Router struct {
	session interfaces.SessionProvider
	rooms   RoomLookup
	emitter interfaces.Emitter
	limiter *RateLimiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRouter creates an outbound router
// FUNCTIONAL DISCOVERY: dependency injection enables testing with a recording emitter
func NewRouter(session interfaces.SessionProvider, rooms RoomLookup, emitter interfaces.Emitter,
	limiter *RateLimiter, logger *zap.Logger, m *metrics.Metrics) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Router{
		session: session,
		rooms:   rooms,
		emitter: emitter,
		limiter: limiter,
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
	}
}

// Send validates body and emits it to roomID. The returned payload carries
// the client id the echo can be correlated with.
func (r *Router) Send(ctx context.Context, roomID, body string, isFile bool) (*types.OutboundChat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := r.session.Current()
	if err != nil {
		return nil, err
	}
	room, ok := r.rooms(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotJoined, roomID)
	}

	out, err := r.BuildOutbound(sess, room, body, isFile)
	if err != nil {
		return nil, err
	}
	event := room.Kind.ChatEvent()

	// TECHNICAL DISCOVERY: throttled per room before touching the socket
	if !r.limiter.Allow(roomID) {
		r.count(event, metrics.ResultLimited)
		return nil, ErrRateLimitExceeded
	}

	if err := r.emitter.Emit(event, out); err != nil {
		r.count(event, metrics.ResultError)
		r.logger.Warn("chat_send_failed", zap.String("room", roomID), zap.String("event", event), zap.Error(err))
		return nil, fmt.Errorf("failed to send %s: %w", event, err)
	}
	r.count(event, metrics.ResultOK)

	r.logger.Debug("chat_sent",
		zap.String("room", roomID),
		zap.String("event", event),
		zap.String("client_id", out.ClientID),
	)
	return out, nil
}

// BuildOutbound assembles the wire payload for a send from sess into room.
// FUNCTIONAL DISCOVERY: only broadcast and support rooms carry an explicit
// file flag; direct rooms rely on the URL convention
func (r *Router) BuildOutbound(sess *types.Session, room types.Room, body string, isFile bool) (*types.OutboundChat, error) {
	if err := types.ValidateBody(body); err != nil {
		return nil, err
	}
	if room.Kind == types.RoomKindDirect {
		isFile = false
	}
	return &types.OutboundChat{
		ClientID:    uuid.New().String(),
		Room:        room.ID,
		Body:        body,
		SenderEmail: sess.Email,
		SenderName:  sess.Name,
		Role:        string(sess.Role),
		IsFile:      isFile,
		Timestamp:   r.now().UTC(),
	}, nil
}

// Forget drops the room's throttle state, called on leave.
func (r *Router) Forget(roomID string) {
	r.limiter.Forget(roomID)
}

func (r *Router) count(event, result string) {
	if r.metrics != nil {
		r.metrics.MessagesSent.WithLabelValues(event, result).Inc()
	}
}
