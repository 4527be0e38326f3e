package membership

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tutorchat/pkg/types"
)

var (
	ErrInvalidRoom = errors.New("room id is invalid")
	ErrInvalidKind = errors.New("room kind is invalid")
	ErrKindChanged = errors.New("room already joined with a different kind")
)

// Tracker is the subscription set: the rooms this session has joined.
// ARCHITECTURAL DISCOVERY: room id is the only key, so a second join of the
// same room is recognised and neither refetches history nor doubles live
// delivery
type Tracker struct {
	mu     sync.RWMutex // TECHNICAL DISCOVERY: reads on every inbound event, writes only on join/leave
	rooms  map[string]*types.Room
	byKind map[types.RoomKind]map[string]struct{}
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		rooms:  make(map[string]*types.Room),
		byKind: make(map[types.RoomKind]map[string]struct{}),
		now:    time.Now,
	}
}

// Join registers intent to receive events for room. added is false when the
// room was already joined; the caller triggers the archive fetch only on true.
func (t *Tracker) Join(id string, kind types.RoomKind, displayName string) (added bool, err error) {
	if !types.IsValidID(id) {
		return false, ErrInvalidRoom
	}
	if !types.IsValidRoomKind(kind) {
		return false, ErrInvalidKind
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.rooms[id]; ok {
		if existing.Kind != kind {
			return false, ErrKindChanged
		}
		return false, nil
	}

	t.rooms[id] = &types.Room{
		ID:          id,
		Kind:        kind,
		DisplayName: displayName,
		JoinedAt:    t.now(),
	}
	if t.byKind[kind] == nil {
		t.byKind[kind] = make(map[string]struct{})
	}
	t.byKind[kind][id] = struct{}{}
	return true, nil
}

// Leave unregisters room. It reports whether the room was joined.
func (t *Tracker) Leave(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[id]
	if !ok {
		return false
	}
	delete(t.rooms, id)

	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if ids, exists := t.byKind[room.Kind]; exists {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.byKind, room.Kind)
		}
	}
	return true
}

func (t *Tracker) IsJoined(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[id]
	return ok
}

// Room returns a copy of the joined room.
func (t *Tracker) Room(id string) (types.Room, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	room, ok := t.rooms[id]
	if !ok {
		return types.Room{}, false
	}
	return *room, true
}

// Rooms returns every joined room ordered by id.
func (t *Tracker) Rooms() []types.Room {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Room, 0, len(t.rooms))
	for _, room := range t.rooms {
		out = append(out, *room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomIDsOfKind returns the ids of joined rooms of kind, sorted.
func (t *Tracker) RoomIDsOfKind(kind types.RoomKind) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.byKind[kind]))
	for id := range t.byKind[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// Clear drops every room, used at logout.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms = make(map[string]*types.Room)
	t.byKind = make(map[types.RoomKind]map[string]struct{})
}
