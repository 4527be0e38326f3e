package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"tutorchat/internal/archive"
	"tutorchat/internal/hub"
	"tutorchat/internal/logging"
	"tutorchat/internal/membership"
	"tutorchat/internal/metrics"
	"tutorchat/internal/mutation"
	"tutorchat/internal/router"
	"tutorchat/internal/stream"
	"tutorchat/internal/transport"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

// Engine is the part of the hub the HTTP surface drives.
type Engine interface {
	Join(ctx context.Context, roomID string, kind types.RoomKind, displayName string) (bool, error)
	Leave(roomID string) error
	Rooms() []types.Room
	Messages(roomID string) ([]types.Message, bool, error)
	LoadMore(ctx context.Context, roomID string) (stream.LoadResult, error)
	Send(ctx context.Context, roomID, body string, isFile bool) (*types.OutboundChat, error)
	Delete(ctx context.Context, roomID, messageID string, kind types.MessageKind) error
	Edit(ctx context.Context, roomID, messageID, body string) error
	ToggleMenu(messageID string) string
	Focus(ctx context.Context, roomID string) error
	Blur(roomID string)
	Unread() types.UnreadSnapshot
	RefreshUnread(ctx context.Context) error
	SetSound(ctx context.Context, enabled bool) error
	SoundEnabled() bool
	Presence() []types.UserStatus
	Connected() bool
}

// HealthChecker is the local store as the health endpoint sees it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Feed upgrades consumer connections to the live event feed.
type Feed interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Count() int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	engine    Engine
	store     HealthChecker
	feed      Feed
	metrics   *metrics.Metrics
	logger    *zap.Logger
	router    *http.ServeMux
	handler   http.Handler
	startedAt time.Time
}

// NewServer wires the routes. store, feed and m may be nil.
func NewServer(engine Engine, store HealthChecker, feed Feed, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		engine:    engine,
		store:     store,
		feed:      feed,
		metrics:   m,
		logger:    logging.OrNop(logger),
		router:    http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	s.handler = s.corsMiddleware(s.router)
	return s
}

func (s *Server) setupRoutes() {
	api := func(pattern string, fn http.HandlerFunc) {
		s.router.Handle(pattern, s.jsonMiddleware(fn))
	}

	api("GET /api/rooms", s.listRooms)
	api("POST /api/rooms", s.joinRoom)
	api("DELETE /api/rooms/{room}", s.leaveRoom)
	api("GET /api/rooms/{room}/messages", s.listMessages)
	api("POST /api/rooms/{room}/messages", s.sendMessage)
	api("POST /api/rooms/{room}/load-more", s.loadMore)
	api("POST /api/rooms/{room}/focus", s.focusRoom)
	api("POST /api/rooms/{room}/blur", s.blurRoom)
	api("DELETE /api/rooms/{room}/messages/{id}", s.deleteMessage)
	api("PATCH /api/rooms/{room}/messages/{id}", s.editMessage)
	api("POST /api/rooms/{room}/messages/{id}/menu", s.toggleMenu)
	api("GET /api/unread", s.getUnread)
	api("POST /api/unread/refresh", s.refreshUnread)
	api("PUT /api/preferences/sound", s.setSound)
	api("GET /api/presence", s.getPresence)
	api("GET /health", s.healthCheck)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.feed != nil {
		s.router.HandleFunc("GET /ws", s.feed.HandleWebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type JoinRoomRequest struct {
	RoomID      string         `json:"room_id"`
	Kind        types.RoomKind `json:"kind"`
	DisplayName string         `json:"display_name"`
}

type JoinRoomResponse struct {
	Room   string `json:"room"`
	Joined bool   `json:"joined"`
	Error  string `json:"error,omitempty"`
}

type RoomsResponse struct {
	Rooms []types.Room `json:"rooms"`
}

// MessagesResponse carries a room's merged history. Attachments lists the
// ids of messages that render as file links in that room.
type MessagesResponse struct {
	Messages    []types.Message `json:"messages"`
	Attachments []string        `json:"attachments"`
	HasMore     bool            `json:"has_more"`
}

type SendRequest struct {
	Body   string `json:"body"`
	IsFile bool   `json:"is_file"`
}

type DeleteRequest struct {
	Kind types.MessageKind `json:"kind"`
}

type EditRequest struct {
	Body string `json:"body"`
}

type MenuResponse struct {
	OpenID string `json:"open_id"`
}

type SoundRequest struct {
	Enabled *bool `json:"enabled"`
}

type SoundResponse struct {
	Enabled bool `json:"enabled"`
}

type PresenceResponse struct {
	Users []types.UserStatus `json:"users"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Socket      string    `json:"socket"`
	Subscribers int       `json:"subscribers"`
	Rooms       int       `json:"rooms"`
	Uptime      string    `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.engine.Rooms()
	if rooms == nil {
		rooms = []types.Room{}
	}
	s.sendJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// joinRoom answers 201 for a new room and 200 for a repeat join. A history
// fetch failure still joins the room and is reported in the body.
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = types.RoomKindDirect
	}

	added, err := s.engine.Join(r.Context(), req.RoomID, req.Kind, req.DisplayName)
	if err != nil && !added {
		s.sendFailure(w, err)
		return
	}
	resp := JoinRoomResponse{Room: req.RoomID, Joined: added}
	if err != nil {
		resp.Error = err.Error()
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	s.sendJSON(w, code, resp)
}

func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Leave(r.PathValue("room")); err != nil {
		s.sendFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, hasMore, err := s.engine.Messages(r.PathValue("room"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	kind := types.RoomKindDirect
	for _, room := range s.engine.Rooms() {
		if room.ID == r.PathValue("room") {
			kind = room.Kind
			break
		}
	}
	attachments := []string{}
	for i := range msgs {
		if msgs[i].IsAttachment(kind) {
			attachments = append(attachments, msgs[i].ID)
		}
	}
	s.sendJSON(w, http.StatusOK, MessagesResponse{Messages: msgs, Attachments: attachments, HasMore: hasMore})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	out, err := s.engine.Send(r.Context(), r.PathValue("room"), req.Body, req.IsFile)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	// FUNCTIONAL DISCOVERY: accepted, not created; history updates on the server echo
	s.sendJSON(w, http.StatusAccepted, out)
}

func (s *Server) loadMore(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.LoadMore(r.Context(), r.PathValue("room"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) focusRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Focus(r.Context(), r.PathValue("room")); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.engine.Unread())
}

func (s *Server) blurRoom(w http.ResponseWriter, r *http.Request) {
	s.engine.Blur(r.PathValue("room"))
	w.WriteHeader(http.StatusNoContent)
}

// deleteMessage takes an optional {kind} body; without one the kind is
// derived from the room.
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	err := s.engine.Delete(r.Context(), r.PathValue("room"), r.PathValue("id"), req.Kind)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.engine.Edit(r.Context(), r.PathValue("room"), r.PathValue("id"), req.Body); err != nil {
		s.sendFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleMenu(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, MenuResponse{OpenID: s.engine.ToggleMenu(r.PathValue("id"))})
}

func (s *Server) getUnread(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.Unread())
}

func (s *Server) refreshUnread(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RefreshUnread(r.Context()); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.engine.Unread())
}

func (s *Server) setSound(w http.ResponseWriter, r *http.Request) {
	var req SoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.sendError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetSound(r.Context(), *req.Enabled); err != nil {
		// the preference is live even when persisting it failed
		s.logger.Warn("sound_preference_not_persisted", zap.Error(err))
	}
	s.sendJSON(w, http.StatusOK, SoundResponse{Enabled: s.engine.SoundEnabled()})
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, PresenceResponse{Users: s.engine.Presence()})
}

// FUNCTIONAL DISCOVERY: GET /health - 503 when the store is unreachable;
// a down socket is reported but is not unhealthy since it reconnects
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "disabled",
		Socket:    "disconnected",
		Rooms:     len(s.engine.Rooms()),
		Uptime:    strings.TrimSpace(humanize.RelTime(s.startedAt, time.Now(), "", "")),
	}
	if s.store != nil {
		resp.Database = "healthy"
		if err := s.store.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}
	if s.engine.Connected() {
		resp.Socket = "connected"
	}
	if s.feed != nil {
		resp.Subscribers = s.feed.Count()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hub.ErrRoomNotJoined),
		errors.Is(err, router.ErrRoomNotJoined),
		errors.Is(err, mutation.ErrRoomNotJoined),
		errors.Is(err, stream.ErrRoomNotOpen):
		return http.StatusNotFound
	case errors.Is(err, router.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, mutation.ErrDeleteInProgress),
		errors.Is(err, stream.ErrLoadInProgress),
		errors.Is(err, membership.ErrKindChanged):
		return http.StatusConflict
	case errors.Is(err, mutation.ErrEditNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, interfaces.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, archive.ErrUnexpectedStatus):
		return http.StatusBadGateway
	case errors.Is(err, mutation.ErrKindMismatch),
		errors.Is(err, membership.ErrInvalidRoom),
		errors.Is(err, membership.ErrInvalidKind),
		errors.Is(err, types.ErrInvalidRoomID),
		errors.Is(err, types.ErrInvalidRoomKind),
		errors.Is(err, types.ErrMissingMessageID),
		errors.Is(err, types.ErrEmptyBody),
		errors.Is(err, types.ErrBodyTooLarge),
		errors.Is(err, types.ErrInvalidBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("api_request_failed", zap.Int("status", code), zap.Error(err))
	}
	s.sendError(w, err.Error(), code)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("api_response_write_failed", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
