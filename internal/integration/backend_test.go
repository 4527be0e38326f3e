package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"tutorchat/pkg/types"
)

// fakeBackend plays the chat server: the archive HTTP API plus the shared
// socket, recording everything the engine sends it.
type fakeBackend struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	connected chan struct{}
	frames    chan types.Envelope

	mu       sync.Mutex
	conn     *websocket.Conn
	history  map[string][]types.Message
	unread   map[string]int
	reads    []string
	deleted  []string
	lastAuth string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:         t,
		connected: make(chan struct{}, 4),
		frames:    make(chan types.Envelope, 64),
		history:   make(map[string][]types.Message),
		unread:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /socket", b.handleSocket)
	mux.HandleFunc("GET /chat/messages/{room}", b.handleMessages)
	mux.HandleFunc("GET /chat/archived-messages/{room}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []types.Message{})
	})
	mux.HandleFunc("GET /chat/teacher-summary", b.handleSummary)
	mux.HandleFunc("PATCH /chat/read-chat", b.handleRead)
	mux.HandleFunc("DELETE /chat/delete-normal-chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.deleted = append(b.deleted, r.PathValue("id"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.close)
	return b
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) socketURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/socket"
}

func (b *fakeBackend) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.lastAuth = r.Header.Get("Authorization")
	b.mu.Unlock()
	b.connected <- struct{}{}

	go func() {
		for {
			var env types.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			b.frames <- env
		}
	}()
}

func (b *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.lastAuth = r.Header.Get("Authorization")
	msgs := append([]types.Message{}, b.history[r.PathValue("room")]...)
	b.mu.Unlock()

	// newest first, as the real archive does
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })
	writeJSON(w, msgs)
}

func (b *fakeBackend) handleSummary(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	summary := types.UnreadSummary{
		LastMessages: map[string]*types.Message{},
		UnreadCounts: map[string]int{},
	}
	for _, room := range strings.Split(r.URL.Query().Get("rooms"), ",") {
		summary.UnreadCounts[room] = b.unread[room]
	}
	writeJSON(w, summary)
}

func (b *fakeBackend) handleRead(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.reads = append(b.reads, body["room"]+"|"+body["email"])
	b.unread[body["room"]] = 0
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) seed(msg types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[msg.Room] = append(b.history[msg.Room], msg)
}

func (b *fakeBackend) setUnread(room string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unread[room] = n
}

func (b *fakeBackend) push(event string, data interface{}) {
	b.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(b.t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotNil(b.t, b.conn, "no socket connected")
	require.NoError(b.t, b.conn.WriteJSON(types.Envelope{Event: event, Data: raw}))
}

func (b *fakeBackend) waitConnected() {
	b.t.Helper()
	select {
	case <-b.connected:
	case <-time.After(5 * time.Second):
		b.t.Fatal("engine never connected to the socket")
	}
}

// expect reads frames until one named event arrives.
func (b *fakeBackend) expect(event string) types.Envelope {
	b.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-b.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			b.t.Fatalf("no %s frame received", event)
			return types.Envelope{}
		}
	}
}

func (b *fakeBackend) snapshot() (reads, deleted []string, auth string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.reads...), append([]string{}, b.deleted...), b.lastAuth
}

func (b *fakeBackend) close() {
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.mu.Unlock()
	b.server.Close()
}
