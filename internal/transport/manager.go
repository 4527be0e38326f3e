package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/internal/websocket"
	"tutorchat/pkg/types"
)

var (
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrNotConnected     = errors.New("transport not connected")
	ErrInvalidURL       = errors.New("invalid socket url")
)

// Options tunes the shared backend socket. Zero durations select defaults.
type Options struct {
	URL          string
	Reconnect    bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func (o *Options) applyDefaults() {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = websocket.DefaultBufferSize
	}
}

// Manager owns the one backend socket of a session
// ARCHITECTURAL DISCOVERY: one connection shared by every room; rooms are
// multiplexed by the room field of each event
// TECHNICAL DISCOVERY: gorilla has no reconnection, so the manager redials
// on a jittered exponential schedule and injects connect/disconnect events
type Manager struct {
	opts    Options
	dialer  *gorillaws.Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics
	events  chan types.Envelope

	mu      sync.RWMutex
	conn    *websocket.Connection
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a disconnected manager. logger and m may be nil.
func NewManager(opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:    opts,
		dialer:  &gorillaws.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:  logging.OrNop(logger),
		metrics: m,
		events:  make(chan types.Envelope, opts.BufferSize),
	}
}

// Events delivers inbound events in wire order, plus the synthetic connect
// and disconnect events. The channel lives as long as the manager.
func (m *Manager) Events() <-chan types.Envelope {
	return m.events
}

// Connect dials the backend for sess. With reconnect enabled a failed first
// dial is logged and retried in the background; otherwise it is returned.
func (m *Manager) Connect(ctx context.Context, sess *types.Session) error {
	target, header, err := m.endpoint(sess)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyConnected
	}
	m.running = true
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	// a Disconnect during the first dial cancels it through loopCtx
	dialCtx, stop := context.WithCancel(ctx)
	go func() {
		select {
		case <-loopCtx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()
	raw, dialErr := m.dial(dialCtx, target, header)
	stop()

	if dialErr != nil && (!m.opts.Reconnect || loopCtx.Err() != nil) {
		close(done)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		cancel()
		return dialErr
	}

	go m.run(loopCtx, done, target, header, raw)
	return nil
}

// Disconnect stops reconnecting, closes the socket and waits for the read
// loop to exit.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotConnected
	}
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.logger.Info("socket_disconnected_by_client")
	return nil
}

// IsConnected reports whether a socket is currently up.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Emit sends one event. Writes go through the single-writer wrapper.
func (m *Manager) Emit(event string, data interface{}) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	if err := conn.WriteJSON(types.Envelope{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) endpoint(sess *types.Session) (string, http.Header, error) {
	if sess == nil {
		return "", nil, fmt.Errorf("%w: no session", ErrInvalidURL)
	}
	u, err := url.Parse(m.opts.URL)
	if err != nil || u.Host == "" {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidURL, m.opts.URL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	q := u.Query()
	q.Set("user_id", sess.ID)
	q.Set("role", string(sess.Role))
	q.Set("email", sess.Email)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if sess.Token != "" {
		header.Set("Authorization", "Bearer "+sess.Token)
	}
	return u.String(), header, nil
}

func (m *Manager) dial(ctx context.Context, target string, header http.Header) (*gorillaws.Conn, error) {
	raw, resp, err := m.dialer.DialContext(ctx, target, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		m.logger.Warn("socket_dial_failed", zap.Int("status", status), zap.Error(err))
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return raw, nil
}

// run owns the connection lifecycle until ctx is canceled.
func (m *Manager) run(ctx context.Context, done chan struct{}, target string, header http.Header, raw *gorillaws.Conn) {
	defer close(done)

	policy := backoff.WithContext(m.newBackOff(), ctx)
	connectedBefore := false
	for {
		if raw == nil {
			wait := policy.NextBackOff()
			if wait == backoff.Stop || !m.sleep(ctx, wait) {
				return
			}
			var err error
			raw, err = m.dial(ctx, target, header)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
		}

		policy.Reset()
		if connectedBefore && m.metrics != nil {
			m.metrics.Reconnects.Inc()
		}
		connectedBefore = true

		conn := websocket.NewConnection(raw, websocket.Options{
			BufferSize:   m.opts.BufferSize,
			WriteTimeout: m.opts.WriteTimeout,
		})
		m.setConn(conn)
		m.logger.Info("socket_connected", zap.String("connection_id", conn.GetID()))
		m.push(ctx, types.Envelope{Event: types.EventConnect})

		err := m.readLoop(ctx, conn, raw)

		m.setConn(nil)
		_ = conn.Close()
		raw = nil
		m.push(ctx, types.Envelope{Event: types.EventDisconnect})

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("socket_lost", zap.Error(err))
		if !m.opts.Reconnect {
			m.mu.Lock()
			m.running = false
			cancel := m.cancel
			m.cancel = nil
			m.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		}
	}
}

// readLoop reads frames until the socket fails
// TECHNICAL DISCOVERY: read deadline longer than the ping interval detects dead peers
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Connection, raw *gorillaws.Conn) error {
	if err := raw.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout)); err != nil {
		return err
	}
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(m.opts.WriteTimeout); err != nil {
					return
				}
			case <-conn.Done():
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return err
		}
		_ = raw.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			m.logger.Warn("socket_frame_malformed", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		if env.Event == types.EventConnect || env.Event == types.EventDisconnect {
			// reserved for local use
			continue
		}
		if m.metrics != nil {
			m.metrics.EventsReceived.WithLabelValues(env.Event).Inc()
		}
		if !m.push(ctx, env) {
			return ctx.Err()
		}
	}
}

func (m *Manager) push(ctx context.Context, env types.Envelope) bool {
	select {
	case m.events <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setConn(c *websocket.Connection) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

// newBackOff starts at ReconnectMin, doubles with jitter, caps at
// ReconnectMax and never gives up.
func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectMin
	b.MaxInterval = m.opts.ReconnectMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
