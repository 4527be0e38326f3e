package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tutorchat/internal/api"
	"tutorchat/internal/app"
	"tutorchat/internal/config"
	dbconfig "tutorchat/pkg/database"
	"tutorchat/pkg/types"
)

const teacherEmail = "teacher@example.com"

type countingPlayer struct{ plays atomic.Int32 }

func (p *countingPlayer) Play(ctx context.Context) error {
	p.plays.Add(1)
	return nil
}

type harness struct {
	t       *testing.T
	backend *fakeBackend
	app     *app.Application
	player  *countingPlayer
	base    string
}

func startHarness(t *testing.T, sess types.Session) *harness {
	t.Helper()
	backend := newFakeBackend(t)

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = backend.server.URL
	cfg.Socket.URL = backend.socketURL()
	cfg.Socket.ReconnectMin = 20 * time.Millisecond
	cfg.Socket.ReconnectMax = 200 * time.Millisecond
	cfg.Database.Path = dbconfig.MemoryPath
	cfg.Log.Level = "error"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	player := &countingPlayer{}
	application, err := app.NewApplication(cfg, sess, app.Options{
		Logger:   zap.NewNop(),
		Player:   player,
		Listener: listener,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, application.Stop(stopCtx))
		cancel()
	})

	backend.waitConnected()
	require.Eventually(t, application.Hub().Connected, 5*time.Second, 10*time.Millisecond)
	return &harness{
		t:       t,
		backend: backend,
		app:     application,
		player:  player,
		base:    "http://" + application.Addr(),
	}
}

func (h *harness) do(method, path string, body interface{}) *http.Response {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.base+path, &buf)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) getJSON(path string, out interface{}) {
	h.t.Helper()
	resp := h.do(http.MethodGet, path, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
}

func (h *harness) messageIDs(room string) []string {
	var res api.MessagesResponse
	h.getJSON("/api/rooms/"+room+"/messages", &res)
	ids := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func (h *harness) unreadFor(room string) int {
	var snap types.UnreadSnapshot
	h.getJSON("/api/unread", &snap)
	return snap.Counts[room]
}

func (h *harness) presence() []types.UserStatus {
	var res api.PresenceResponse
	h.getJSON("/api/presence", &res)
	return res.Users
}

type feedFrame struct {
	Type string          `json:"type"`
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

func (h *harness) subscribe() *websocket.Conn {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.app.Addr()+"/ws", nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func nextFrame(t *testing.T, conn *websocket.Conn, typ string) feedFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f feedFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func teacherSession() types.Session {
	return types.Session{
		ID:         "t1",
		Role:       types.RoleTeacher,
		Email:      teacherEmail,
		Name:       "Terry",
		Token:      "secret",
		StudentIDs: []string{"s1"},
	}
}

func TestTeacherSessionEndToEnd(t *testing.T) {
	h := startHarness(t, teacherSession())
	now := time.Now().UTC().Truncate(time.Second)

	h.backend.seed(types.Message{ID: "m1", Room: "s1", SenderEmail: "sam@example.com", Body: "hi teacher", Timestamp: now.Add(-time.Minute)})

	feed := h.subscribe()
	greeting := nextFrame(t, feed, types.FeedConnection)
	assert.JSONEq(t, `{"connected":true}`, string(greeting.Data))

	// join seeds history and announces the room
	resp := h.do(http.MethodPost, "/api/rooms", api.JoinRoomRequest{RoomID: "s1", Kind: types.RoomKindDirect, DisplayName: "Sam"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var join types.JoinPayload
	require.NoError(t, json.Unmarshal(h.backend.expect(types.EventJoin).Data, &join))
	assert.Equal(t, types.JoinPayload{Username: teacherEmail, Room: "s1"}, join)
	assert.Equal(t, []string{"m1"}, h.messageIDs("s1"))

	resp = h.do(http.MethodPost, "/api/rooms", api.JoinRoomRequest{RoomID: "s1", Kind: types.RoomKindDirect})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a peer message in an unfocused room is delivered, chimes and refreshes unread
	h.backend.setUnread("s1", 1)
	h.backend.push(types.EventChat, types.Message{ID: "m2", Room: "s1", SenderEmail: "sam@example.com", Body: "are you there?", Timestamp: now})

	live := nextFrame(t, feed, types.FeedMessage)
	assert.Equal(t, "s1", live.Room)
	assert.Eventually(t, func() bool { return h.unreadFor("s1") == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, h.messageIDs("s1"))
	assert.Eventually(t, func() bool { return h.player.plays.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// focusing acks the room and the trusted refresh clears the badge
	resp = h.do(http.MethodPost, "/api/rooms/s1/focus", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reads, _, auth := h.backend.snapshot()
	assert.Contains(t, reads, "s1|"+teacherEmail)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, 0, h.unreadFor("s1"))

	// sends only reach history through the server echo
	resp = h.do(http.MethodPost, "/api/rooms/s1/messages", api.SendRequest{Body: "yes, go ahead"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out types.OutboundChat
	require.NoError(t, json.Unmarshal(h.backend.expect(types.EventChat).Data, &out))
	assert.Equal(t, "s1", out.Room)
	assert.Equal(t, "yes, go ahead", out.Body)
	assert.Equal(t, teacherEmail, out.SenderEmail)
	assert.Equal(t, []string{"m1", "m2"}, h.messageIDs("s1"))

	h.backend.push(types.EventChat, types.Message{ID: "m3", Room: "s1", SenderEmail: "Teacher@Example.com", Body: out.Body, Timestamp: now.Add(time.Second)})
	nextFrame(t, feed, types.FeedMessage)
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.messageIDs("s1"))
	assert.Equal(t, int32(1), h.player.plays.Load(), "own echo must not chime")

	// delete confirms with the archive, then broadcasts exactly once
	resp = h.do(http.MethodDelete, "/api/rooms/s1/messages/m2", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var del types.DeletePayload
	require.NoError(t, json.Unmarshal(h.backend.expect(types.EventNormalChatDeleted).Data, &del))
	assert.Equal(t, "m2", del.MessageID)
	_, deleted, _ := h.backend.snapshot()
	assert.Equal(t, []string{"m2"}, deleted)
	assert.Equal(t, []string{"m1", "m3"}, h.messageIDs("s1"))

	// a replayed message stays deleted
	h.backend.push(types.EventChat, types.Message{ID: "m2", Room: "s1", SenderEmail: "sam@example.com", Body: "are you there?", Timestamp: now})

	// muting applies to the very next message
	resp = h.do(http.MethodPut, "/api/preferences/sound", api.SoundRequest{Enabled: boolPtr(false)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.backend.push(types.EventChat, types.Message{ID: "m4", Room: "s1", SenderEmail: "sam@example.com", Body: "ok", Timestamp: now.Add(2 * time.Second)})
	h.backend.push(types.EventUserStatus, types.UserStatus{ID: "s1", Online: true, Name: "Sam"})

	// presence lands after m4 was fully handled
	assert.Eventually(t, func() bool { return len(h.presence()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"m1", "m3", "m4"}, h.messageIDs("s1"))
	assert.Equal(t, int32(1), h.player.plays.Load())

	var health api.HealthResponse
	h.getJSON("/health", &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Socket)
	assert.Equal(t, 1, health.Rooms)
	assert.Equal(t, 1, health.Subscribers)
}

func TestStudentJoinsCounterpartOnStart(t *testing.T) {
	sess := types.Session{
		ID:              "s1",
		Role:            types.RoleStudent,
		Email:           "sam@example.com",
		Name:            "Sam",
		CounterpartRoom: "s1",
	}
	h := startHarness(t, sess)

	// the room is announced again once the socket is up
	var join types.JoinPayload
	require.NoError(t, json.Unmarshal(h.backend.expect(types.EventJoin).Data, &join))
	assert.Equal(t, "s1", join.Room)

	var rooms api.RoomsResponse
	h.getJSON("/api/rooms", &rooms)
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, types.RoomKindDirect, rooms.Rooms[0].Kind)
}

func TestStopWithoutBackendSocket(t *testing.T) {
	backend := newFakeBackend(t)

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = backend.server.URL
	cfg.Socket.URL = "ws" + backend.server.URL[len("http"):] + "/missing"
	cfg.Socket.ReconnectMin = 20 * time.Millisecond
	cfg.Socket.ReconnectMax = 50 * time.Millisecond
	cfg.Database.Path = dbconfig.MemoryPath

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	application, err := app.NewApplication(cfg, teacherSession(), app.Options{Logger: zap.NewNop(), Player: &countingPlayer{}, Listener: listener})
	require.NoError(t, err)

	// reconnect mode tolerates a failed first dial
	require.NoError(t, application.Start(context.Background()))

	resp, err := http.Get("http://" + application.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "disconnected", health.Socket)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, application.Stop(ctx))
	assert.Error(t, application.Stop(ctx))
}

func boolPtr(b bool) *bool { return &b }
