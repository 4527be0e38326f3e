package stream

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/pkg/types"
)

// PageFetcher fetches one archive page for room, newest first. Page 1 is
// the most recent archived page.
type PageFetcher func(ctx context.Context, room string, page int) ([]types.Message, error)

// SeedFetcher fetches the recent message list a room opens with, newest first.
type SeedFetcher func(ctx context.Context) ([]types.Message, error)

// LoadResult describes one LoadMore call. PreviousCount is the merged row
// count immediately before the page was prepended, so a view can keep its
// scroll position by offsetting Added rows.
type LoadResult struct {
	Page          int  `json:"page"`
	PreviousCount int  `json:"previous_count"`
	Count         int  `json:"count"`
	Added         int  `json:"added"`
	HasMore       bool `json:"has_more"`
}

// roomStream is one room's layered history. Every layer is kept in
// chronological order.
type roomStream struct {
	generation uint64
	pages      [][]types.Message // pages[0] is archive page 1
	seed       []types.Message
	live       []types.Message
	tombstones map[string]struct{}
	page       int
	hasMore    bool
	loading    bool
	seeded     bool
}

// Merger owns the message history of every open room.
// ARCHITECTURAL DISCOVERY: fetches run without the lock held; each result is
// applied only if the room still has the generation it had when the fetch
// started, so a late page for a closed or reopened room is dropped
type Merger struct {
	mu        sync.RWMutex
	rooms     map[string]*roomStream
	nextGen   uint64
	fetchPage PageFetcher
	logger    *zap.Logger
}

func NewMerger(fetchPage PageFetcher, logger *zap.Logger) *Merger {
	return &Merger{
		rooms:     make(map[string]*roomStream),
		fetchPage: fetchPage,
		logger:    logging.OrNop(logger),
	}
}

// Open starts a stream for room. It returns false if one was already open.
func (m *Merger) Open(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room]; ok {
		return false
	}
	m.nextGen++
	m.rooms[room] = &roomStream{
		generation: m.nextGen,
		tombstones: make(map[string]struct{}),
		hasMore:    true,
	}
	return true
}

// Close drops the room's history. In-flight fetches for it are discarded
// when they complete.
func (m *Merger) Close(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
}

// Seed runs the one-time recent fetch for room and installs the result.
func (m *Merger) Seed(ctx context.Context, room string, fetch SeedFetcher) error {
	gen, err := m.generation(room)
	if err != nil {
		return err
	}

	msgs, err := fetch(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.current(room, gen)
	if !ok {
		m.logger.Debug("stream_seed_discarded", zap.String("room", room))
		return ErrStaleResponse
	}
	rs.seed = chronological(msgs)
	rs.seeded = true
	return nil
}

// NeedsSeed reports whether room is open but its recent fetch has not yet
// succeeded.
func (m *Merger) NeedsSeed(room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.rooms[room]
	return ok && !rs.seeded
}

// LoadMore fetches the next archive page and prepends it. Once an empty page
// has been seen it returns the current state without a network call.
func (m *Merger) LoadMore(ctx context.Context, room string) (LoadResult, error) {
	if m.fetchPage == nil {
		return LoadResult{}, ErrNoPageFetcher
	}

	m.mu.Lock()
	rs, ok := m.rooms[room]
	if !ok {
		m.mu.Unlock()
		return LoadResult{}, ErrRoomNotOpen
	}
	if !rs.hasMore {
		count := len(rs.merged())
		result := LoadResult{Page: rs.page, PreviousCount: count, Count: count}
		m.mu.Unlock()
		return result, nil
	}
	if rs.loading {
		m.mu.Unlock()
		return LoadResult{}, ErrLoadInProgress
	}
	rs.loading = true
	gen := rs.generation
	next := rs.page + 1
	m.mu.Unlock()

	msgs, fetchErr := m.fetchPage(ctx, room, next)

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok = m.current(room, gen)
	if !ok {
		m.logger.Debug("stream_page_discarded", zap.String("room", room), zap.Int("page", next))
		return LoadResult{}, ErrStaleResponse
	}
	rs.loading = false

	before := len(rs.merged())
	if fetchErr != nil {
		return LoadResult{Page: rs.page, PreviousCount: before, Count: before, HasMore: rs.hasMore}, fetchErr
	}

	if len(msgs) == 0 {
		rs.hasMore = false
	} else {
		rs.page = next
		rs.pages = append(rs.pages, chronological(msgs))
	}

	after := len(rs.merged())
	return LoadResult{
		Page:          rs.page,
		PreviousCount: before,
		Count:         after,
		Added:         after - before,
		HasMore:       rs.hasMore,
	}, nil
}

// AppendLive adds a pushed message to the room's live tail. It reports
// false when the room is not open, the message was already deleted or the
// room already holds it.
func (m *Merger) AppendLive(room string, msg types.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.rooms[room]
	if !ok {
		return false
	}
	if msg.ID != "" {
		if _, dead := rs.tombstones[msg.ID]; dead || rs.contains(msg.ID) {
			return false
		}
	}
	rs.live = append(rs.live, msg)
	return true
}

// Messages returns the merged, de-duplicated, chronological history.
func (m *Merger) Messages(room string) []types.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.rooms[room]
	if !ok {
		return []types.Message{}
	}
	return rs.merged()
}

func (m *Merger) HasMore(room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.rooms[room]
	return ok && rs.hasMore
}

// Remove deletes id from every layer of room and remembers it so a late
// archive page cannot bring it back. Removing twice is a no-op.
func (m *Merger) Remove(room, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.rooms[room]
	if !ok {
		return false
	}
	return rs.remove(id)
}

// RemoveEverywhere removes id from every open room and returns the rooms it
// was found in.
func (m *Merger) RemoveEverywhere(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rooms []string
	for room, rs := range m.rooms {
		if rs.remove(id) {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms
}

func (m *Merger) generation(room string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.rooms[room]
	if !ok {
		return 0, ErrRoomNotOpen
	}
	return rs.generation, nil
}

// current must be called with the lock held.
func (m *Merger) current(room string, gen uint64) (*roomStream, bool) {
	rs, ok := m.rooms[room]
	if !ok || rs.generation != gen {
		return nil, false
	}
	return rs, true
}

func (rs *roomStream) contains(id string) bool {
	has := func(msgs []types.Message) bool {
		for _, msg := range msgs {
			if msg.ID == id {
				return true
			}
		}
		return false
	}
	for _, p := range rs.pages {
		if has(p) {
			return true
		}
	}
	return has(rs.seed) || has(rs.live)
}

func (rs *roomStream) remove(id string) bool {
	if _, dead := rs.tombstones[id]; dead {
		return false
	}
	rs.tombstones[id] = struct{}{}

	found := false
	for i := range rs.pages {
		var hit bool
		rs.pages[i], hit = without(rs.pages[i], id)
		found = found || hit
	}
	var hit bool
	rs.seed, hit = without(rs.seed, id)
	found = found || hit
	rs.live, hit = without(rs.live, id)
	return found || hit
}

// merged concatenates oldest page first, then the seed, then the live tail,
// drops repeated ids and stable-sorts by timestamp.
func (rs *roomStream) merged() []types.Message {
	total := len(rs.seed) + len(rs.live)
	for _, p := range rs.pages {
		total += len(p)
	}

	out := make([]types.Message, 0, total)
	seen := make(map[string]struct{}, total)
	add := func(msgs []types.Message) {
		for _, msg := range msgs {
			if msg.ID != "" {
				if _, dup := seen[msg.ID]; dup {
					continue
				}
				if _, dead := rs.tombstones[msg.ID]; dead {
					continue
				}
				seen[msg.ID] = struct{}{}
			}
			out = append(out, msg)
		}
	}

	for i := len(rs.pages) - 1; i >= 0; i-- {
		add(rs.pages[i])
	}
	add(rs.seed)
	add(rs.live)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// chronological copies a newest-first list into oldest-first order.
func chronological(newestFirst []types.Message) []types.Message {
	out := make([]types.Message, len(newestFirst))
	for i, msg := range newestFirst {
		out[len(newestFirst)-1-i] = msg
	}
	return out
}

// without drops every copy of id; replays after a reconnect can put the same
// message in a layer twice.
func without(msgs []types.Message, id string) ([]types.Message, bool) {
	kept := msgs[:0:0]
	for _, msg := range msgs {
		if msg.ID != id {
			kept = append(kept, msg)
		}
	}
	if len(kept) == len(msgs) {
		return msgs, false
	}
	return kept, true
}
