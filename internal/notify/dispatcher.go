package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/pkg/types"
)

// Player plays the fixed local notification cue.
type Player interface {
	Play(ctx context.Context) error
}

// Preferences is read on every event; implementations must return the
// current values, not ones captured earlier.
type Preferences interface {
	Email() string
	SoundEnabled() bool
}

// BellPlayer rings the terminal bell on w.
type BellPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBellPlayer(w io.Writer) *BellPlayer {
	return &BellPlayer{w: w}
}

func (b *BellPlayer) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := io.WriteString(b.w, "\a"); err != nil {
		return fmt.Errorf("bell: %w", err)
	}
	return nil
}

// Dispatcher decides per inbound message whether to play the cue.
type Dispatcher struct {
	prefs   Preferences
	player  Player
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher builds a dispatcher. player and m may be nil.
func NewDispatcher(prefs Preferences, player Player, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		prefs:   prefs,
		player:  player,
		timeout: 2 * time.Second,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
}

// ShouldNotify is true for messages from someone else while the sound
// preference is not disabled.
func (d *Dispatcher) ShouldNotify(msg types.Message) bool {
	if strings.EqualFold(msg.SenderEmail, d.prefs.Email()) {
		return false
	}
	return d.prefs.SoundEnabled()
}

// Dispatch plays the cue when ShouldNotify allows it and reports whether it
// did. Playback failures are logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, msg types.Message) bool {
	if !d.ShouldNotify(msg) {
		d.count(metrics.ResultSuppressed)
		return false
	}
	if d.player == nil {
		d.count(metrics.ResultPlayed)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.play(ctx); err != nil {
		d.logger.Warn("notification_playback_failed",
			zap.String("room", msg.Room),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		d.count(metrics.ResultFailed)
		return false
	}
	d.count(metrics.ResultPlayed)
	return true
}

// play shields the caller from a panicking player.
func (d *Dispatcher) play(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("player panic: %v", r)
		}
	}()
	return d.player.Play(ctx)
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(result).Inc()
	}
}
