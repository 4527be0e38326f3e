package unread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/pkg/interfaces"
	"tutorchat/pkg/types"
)

const (
	ModeTeacher = "teacher"
	ModeStudent = "student"
)

// Fetcher is the part of the archive the aggregator reads.
type Fetcher interface {
	TeacherSummary(ctx context.Context, rooms []string, email string) (*types.UnreadSummary, error)
	Messages(ctx context.Context, room, email string) ([]types.Message, error)
}

// RoomSource lists extra rooms to include in a teacher summary, typically
// the joined direct rooms.
type RoomSource func() []string

// Listener is called with a copy of every applied snapshot.
type Listener func(snap types.UnreadSnapshot)

// Aggregator is the single owner of the unread ledger.
// ARCHITECTURAL DISCOVERY: the ledger is only ever replaced by a trusted
// refresh; nothing increments or decrements it locally
// TECHNICAL DISCOVERY: refreshes may overlap, so each takes a sequence
// number and only a result newer than the applied one is installed
type Aggregator struct {
	fetcher Fetcher
	session interfaces.SessionProvider
	rooms   RoomSource
	store   interfaces.SnapshotStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	nextSeq atomic.Uint64

	mu        sync.RWMutex
	applied   uint64
	snap      types.UnreadSnapshot
	listeners []Listener
}

// NewAggregator wires an aggregator. rooms, store and m may be nil.
func NewAggregator(fetcher Fetcher, session interfaces.SessionProvider, rooms RoomSource,
	store interfaces.SnapshotStore, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		fetcher: fetcher,
		session: session,
		rooms:   rooms,
		store:   store,
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
		snap:    types.UnreadSnapshot{Counts: map[string]int{}},
	}
}

// OnChange registers fn for every applied snapshot.
func (a *Aggregator) OnChange(fn Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Restore installs the persisted snapshot as the last-known value, so the
// badge has a number before the first refresh completes.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	sess, err := a.session.Current()
	if err != nil {
		return err
	}

	snap, err := a.store.LoadUnreadSnapshot(ctx, sess.Email)
	if errors.Is(err, interfaces.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore unread snapshot: %w", err)
	}
	if snap.PerRoom != sess.AggregatesRooms() {
		// role changed since it was stored
		return nil
	}

	a.mu.Lock()
	if a.applied == 0 {
		a.snap = *snap
	}
	a.mu.Unlock()

	a.logger.Debug("unread_snapshot_restored", zap.Int("total", snap.Total()))
	return nil
}

// Refresh re-derives the ledger from the backend. On failure the last-known
// values stay in place and the error is returned.
func (a *Aggregator) Refresh(ctx context.Context) error {
	sess, err := a.session.Current()
	if err != nil {
		return err
	}
	seq := a.nextSeq.Add(1)

	mode := ModeStudent
	var snap types.UnreadSnapshot
	if sess.AggregatesRooms() {
		mode = ModeTeacher
		snap, err = a.teacherSnapshot(ctx, sess)
	} else {
		snap, err = a.studentSnapshot(ctx, sess)
	}

	if a.metrics != nil {
		a.metrics.SummaryRefreshes.WithLabelValues(mode, metrics.Outcome(err)).Inc()
	}
	if err != nil {
		a.logger.Warn("unread_refresh_failed", zap.String("mode", mode), zap.Error(err))
		return fmt.Errorf("unread refresh: %w", err)
	}
	snap.RefreshedAt = a.now()

	a.mu.Lock()
	if seq <= a.applied {
		a.mu.Unlock()
		a.logger.Debug("unread_refresh_superseded", zap.Uint64("seq", seq))
		return nil
	}
	a.applied = seq
	a.snap = snap
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()

	total := snap.Total()
	if a.metrics != nil {
		a.metrics.UnreadTotal.Set(float64(total))
	}
	a.logger.Debug("unread_refreshed", zap.String("mode", mode), zap.Int("total", total))

	for _, fn := range listeners {
		fn(copySnapshot(snap))
	}

	if a.store != nil {
		if err := a.store.SaveUnreadSnapshot(ctx, sess.Email, &snap); err != nil {
			a.logger.Warn("unread_snapshot_save_failed", zap.Error(err))
		}
	}
	return nil
}

func (a *Aggregator) teacherSnapshot(ctx context.Context, sess *types.Session) (types.UnreadSnapshot, error) {
	snap := types.UnreadSnapshot{
		PerRoom:      true,
		Counts:       map[string]int{},
		LastMessages: map[string]*types.Message{},
	}

	rooms := a.summaryRooms(sess)
	if len(rooms) == 0 {
		return snap, nil
	}

	summary, err := a.fetcher.TeacherSummary(ctx, rooms, sess.Email)
	if err != nil {
		return snap, err
	}
	for room, n := range summary.UnreadCounts {
		if n < 0 {
			n = 0
		}
		snap.Counts[room] = n
	}
	for room, msg := range summary.LastMessages {
		if msg != nil {
			cp := *msg
			snap.LastMessages[room] = &cp
		}
	}
	return snap, nil
}

func (a *Aggregator) studentSnapshot(ctx context.Context, sess *types.Session) (types.UnreadSnapshot, error) {
	msgs, err := a.fetcher.Messages(ctx, sess.Counterpart(), sess.Email)
	if err != nil {
		return types.UnreadSnapshot{}, err
	}
	count := 0
	for _, msg := range msgs {
		if msg.Unread && !strings.EqualFold(msg.SenderEmail, sess.Email) {
			count++
		}
	}
	return types.UnreadSnapshot{Count: count}, nil
}

// summaryRooms is the sorted union of assigned students and joined rooms.
func (a *Aggregator) summaryRooms(sess *types.Session) []string {
	set := make(map[string]struct{}, len(sess.StudentIDs))
	for _, id := range sess.StudentIDs {
		set[id] = struct{}{}
	}
	if a.rooms != nil {
		for _, id := range a.rooms() {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the current ledger.
func (a *Aggregator) Snapshot() types.UnreadSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copySnapshot(a.snap)
}

// Total is the badge value.
func (a *Aggregator) Total() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap.Total()
}

func copySnapshot(s types.UnreadSnapshot) types.UnreadSnapshot {
	cp := s
	if s.Counts != nil {
		cp.Counts = make(map[string]int, len(s.Counts))
		for k, v := range s.Counts {
			cp.Counts[k] = v
		}
	}
	if s.LastMessages != nil {
		cp.LastMessages = make(map[string]*types.Message, len(s.LastMessages))
		for k, v := range s.LastMessages {
			cp.LastMessages[k] = v
		}
	}
	return cp
}
