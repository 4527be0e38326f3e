package websocket

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tutorchat/internal/metrics"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

type fakeConn struct {
	id     string
	rooms  map[string]bool
	mu     sync.Mutex
	got    []types.FeedEvent
	err    error
	closed bool
}

func newFakeConn(id string, rooms ...string) *fakeConn {
	c := &fakeConn{id: id}
	if len(rooms) > 0 {
		c.rooms = map[string]bool{}
		for _, r := range rooms {
			c.rooms[r] = true
		}
	}
	return c
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, v.(types.FeedEvent))
	return nil
}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) GetID() string { return f.id }
func (f *fakeConn) Wants(room string) bool {
	return room == "" || f.rooms == nil || f.rooms[room]
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRegistry_InterfaceCompliance(t *testing.T) {
	var _ interfaces.EventSink = &Registry{}
}

func TestRegistry_RegisterConnectionValidation(t *testing.T) {
	registry := NewRegistry(nil, nil)
	if err := registry.RegisterConnection(nil); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	m := metrics.New()
	registry := NewRegistry(nil, m)
	a, b := newFakeConn("a"), newFakeConn("b")

	registry.RegisterConnection(a)
	registry.RegisterConnection(b)
	if registry.Count() != 2 {
		t.Errorf("Expected 2 subscribers, got %d", registry.Count())
	}
	if got := testutil.ToFloat64(m.FeedSubscribers); got != 2 {
		t.Errorf("Expected gauge 2, got %v", got)
	}

	registry.UnregisterConnection(a)
	registry.UnregisterConnection(a) // idempotent
	if _, ok := registry.GetConnection("a"); ok {
		t.Error("Connection a should be gone")
	}
	if registry.Count() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", registry.Count())
	}
}

func TestRegistry_UnregisterOnlySameInstance(t *testing.T) {
	registry := NewRegistry(nil, nil)
	old, replacement := newFakeConn("x"), newFakeConn("x")

	registry.RegisterConnection(old)
	registry.RegisterConnection(replacement)
	registry.UnregisterConnection(old)

	if c, ok := registry.GetConnection("x"); !ok || c != interfaces.Connection(replacement) {
		t.Error("Stale connection must not unregister its replacement")
	}
}

func TestRegistry_PublishRespectsRoomFilter(t *testing.T) {
	registry := NewRegistry(nil, nil)
	all := newFakeConn("all")
	s1 := newFakeConn("s1-only", "s1")
	registry.RegisterConnection(all)
	registry.RegisterConnection(s1)

	registry.Publish(types.FeedEvent{Type: types.FeedMessage, Room: "s1"})
	registry.Publish(types.FeedEvent{Type: types.FeedMessage, Room: "s2"})
	registry.Publish(types.FeedEvent{Type: types.FeedUnread})

	if all.count() != 3 {
		t.Errorf("Unfiltered subscriber expected 3 events, got %d", all.count())
	}
	if s1.count() != 2 {
		t.Errorf("Filtered subscriber expected 2 events, got %d", s1.count())
	}
	if all.got[0].Timestamp.IsZero() {
		t.Error("Publish should stamp events")
	}
}

func TestRegistry_FailingSubscriberDropped(t *testing.T) {
	registry := NewRegistry(nil, nil)
	bad := newFakeConn("bad")
	bad.err = ErrBufferFull
	good := newFakeConn("good")
	registry.RegisterConnection(bad)
	registry.RegisterConnection(good)

	registry.Publish(types.FeedEvent{Type: types.FeedPresence})

	if !bad.closed {
		t.Error("Failing subscriber should be closed")
	}
	if _, ok := registry.GetConnection("bad"); ok {
		t.Error("Failing subscriber should be unregistered")
	}
	if good.count() != 1 {
		t.Error("Healthy subscriber should still receive the event")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	registry := NewRegistry(nil, nil)
	a := newFakeConn("a")
	registry.RegisterConnection(a)
	registry.CloseAll()

	if !a.closed || registry.Count() != 0 {
		t.Error("CloseAll should close and remove every subscriber")
	}
}

// Technical Validation Tests (Race Detection)
func TestRegistry_ConcurrentPublishAndRegistration(t *testing.T) {
	registry := NewRegistry(nil, nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(string(rune('a' + i)))
			registry.RegisterConnection(c)
			registry.UnregisterConnection(c)
		}(i)
		go func() {
			defer wg.Done()
			registry.Publish(types.FeedEvent{Type: types.FeedMessage, Room: "s1"})
		}()
	}
	wg.Wait()
}
