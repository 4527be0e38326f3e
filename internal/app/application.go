package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/api"
	"tutorchat/internal/archive"
	"tutorchat/internal/config"
	"tutorchat/internal/database"
	"tutorchat/internal/hub"
	"tutorchat/internal/logging"
	"tutorchat/internal/membership"
	"tutorchat/internal/metrics"
	"tutorchat/internal/mutation"
	"tutorchat/internal/notify"
	"tutorchat/internal/router"
	"tutorchat/internal/session"
	"tutorchat/internal/stream"
	"tutorchat/internal/transport"
	"tutorchat/internal/unread"
	"tutorchat/internal/websocket"
	dbconfig "tutorchat/pkg/database"
	"tutorchat/pkg/types"
)

// Options override process-level collaborators. All fields may be zero.
type Options struct {
	// Logger replaces the one built from the log configuration
	Logger *zap.Logger
	// Player replaces the terminal bell
	Player notify.Player
	// Listener replaces listening on the configured host and port
	Listener net.Listener
}

// Application coordinates all system components
// ARCHITECTURAL DISCOVERY: Clean dependency injection pattern with proper initialization order
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	store      *database.Manager
	sessions   *session.Manager
	archive    *archive.Client
	transport  *transport.Manager
	registry   *websocket.Registry
	aggregator *unread.Aggregator
	engine     *hub.Hub
	httpServer *http.Server
	listener   net.Listener

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	schedule sync.WaitGroup
	serveErr chan error
}

// NewApplication wires every component for one logged-in session
// FUNCTIONAL DISCOVERY: Component initialization follows strict dependency order:
// Database → Session → Archive → Streams → Transport → Feed → Hub → API → HTTP
func NewApplication(cfg *config.Config, sess types.Session, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
	}
	m := metrics.New()

	// STEP 1: local snapshot store
	dbConfig := dbconfig.DefaultConfig(cfg.Database.Path)
	dbConfig.WriteTimeout = cfg.Database.Timeout
	store, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2: session, resolving the stored sound preference
	sessions := session.NewManager(store, cfg.Chat.SoundDefault, logger)
	if err := sessions.Login(context.Background(), sess); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to log in: %w", err)
	}

	// STEP 3: archive client and room state
	archiveClient, err := archive.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger, m)
	if err != nil {
		_ = sessions.Logout()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}
	archiveClient.SetToken(sess.Token)

	merger := stream.NewMerger(archiveClient.ArchivedPage, logger)
	tracker := membership.NewTracker()

	// STEP 4: backend socket and local feed
	socket := transport.NewManager(transport.Options{
		URL:          cfg.Socket.URL,
		Reconnect:    cfg.Socket.Reconnect,
		ReconnectMin: cfg.Socket.ReconnectMin,
		ReconnectMax: cfg.Socket.ReconnectMax,
		PingInterval: cfg.Socket.PingInterval,
		ReadTimeout:  cfg.Socket.ReadTimeout,
		WriteTimeout: cfg.Socket.WriteTimeout,
		BufferSize:   cfg.Socket.BufferSize,
	}, logger, m)
	registry := websocket.NewRegistry(logger, m)

	// STEP 5: behaviour components
	player := opts.Player
	if player == nil {
		player = notify.NewBellPlayer(os.Stdout)
	}
	dispatcher := notify.NewDispatcher(sessions, player, logger, m)
	coordinator := mutation.NewCoordinator(archiveClient, merger, tracker.Room, socket, registry, logger, m)
	limiter := router.NewRateLimiter(cfg.Chat.SendRate, cfg.Chat.SendBurst)
	outbound := router.NewRouter(sessions, tracker.Room, socket, limiter, logger, m)
	directRooms := func() []string { return tracker.RoomIDsOfKind(types.RoomKindDirect) }
	aggregator := unread.NewAggregator(archiveClient, sessions, directRooms, store, logger, m)

	// STEP 6: the hub
	engine := hub.NewHub(hub.Components{
		Session:   sessions,
		Archive:   archiveClient,
		Transport: socket,
		Tracker:   tracker,
		Merger:    merger,
		Unread:    aggregator,
		Notify:    dispatcher,
		Mutation:  coordinator,
		Router:    outbound,
		Sink:      registry,
		Logger:    logger,
		Metrics:   m,
	})

	// STEP 7: consumer surfaces
	greeter := func() []types.FeedEvent {
		now := time.Now()
		return []types.FeedEvent{
			{Type: types.FeedConnection, Data: map[string]bool{"connected": engine.Connected()}, Timestamp: now},
			{Type: types.FeedUnread, Data: engine.Unread(), Timestamp: now},
		}
	}
	feed := websocket.NewHandler(registry, greeter, websocket.HandlerOptions{
		PingInterval: cfg.Socket.PingInterval,
		ReadTimeout:  cfg.Socket.ReadTimeout,
		WriteTimeout: cfg.Socket.WriteTimeout,
		BufferSize:   cfg.Socket.BufferSize,
	}, logger)
	apiServer := api.NewServer(engine, store, feed, m, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		store:      store,
		sessions:   sessions,
		archive:    archiveClient,
		transport:  socket,
		registry:   registry,
		aggregator: aggregator,
		engine:     engine,
		httpServer: httpServer,
		listener:   opts.Listener,
		serveErr:   make(chan error, 1),
	}, nil
}

// Start restores the last ledger, connects the socket and begins serving
// FUNCTIONAL DISCOVERY: Hub starts first to handle events, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.started {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	// STEP 1: last-known counts until the first refresh lands
	if err := app.aggregator.Restore(runCtx); err != nil {
		app.logger.Warn("unread_restore_failed", zap.Error(err))
	}

	// STEP 2: event loop
	if err := app.engine.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	sess, err := app.sessions.Current()
	if err != nil {
		_ = app.engine.Stop()
		cancel()
		return err
	}

	// STEP 3: a student always has the one room with their teacher
	if sess.Role == types.RoleStudent {
		if _, err := app.engine.Join(runCtx, sess.Counterpart(), types.RoomKindDirect, ""); err != nil {
			app.logger.Warn("counterpart_join_failed", zap.String("room", sess.Counterpart()), zap.Error(err))
		}
	}

	// STEP 4: backend socket; joined rooms are announced on connect
	if err := app.transport.Connect(runCtx, sess); err != nil {
		_ = app.engine.Stop()
		cancel()
		return fmt.Errorf("failed to connect socket: %w", err)
	}

	if err := app.aggregator.Refresh(runCtx); err != nil {
		app.logger.Warn("initial_unread_refresh_failed", zap.Error(err))
	}

	if cron := app.config.Chat.SummaryRefreshCron; cron != "" {
		app.schedule.Add(1)
		go func() {
			defer app.schedule.Done()
			if err := app.aggregator.RunSchedule(runCtx, cron); err != nil {
				app.logger.Error("unread_schedule_failed", zap.Error(err))
			}
		}()
	}

	// STEP 5: HTTP server
	if app.listener == nil {
		l, err := net.Listen("tcp", app.httpServer.Addr)
		if err != nil {
			app.abortStart(cancel)
			return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
		}
		app.listener = l
	}
	go func() {
		if err := app.httpServer.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http_server_failed", zap.Error(err))
			app.serveErr <- err
		}
	}()

	app.cancel = cancel
	app.started = true
	app.logger.Info("application_started",
		zap.String("addr", app.listener.Addr().String()),
		zap.String("role", string(sess.Role)),
		zap.String("email", sess.Email))
	return nil
}

func (app *Application) abortStart(cancel context.CancelFunc) {
	_ = app.transport.Disconnect()
	_ = app.engine.Stop()
	cancel()
	app.schedule.Wait()
}

// Stop shuts down in reverse dependency order: HTTP → Feed → Socket → Hub → Session → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if !app.started {
		return errors.New("application not started")
	}
	app.started = false

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("http_shutdown_failed", zap.Error(err))
	}
	app.registry.CloseAll()

	if err := app.transport.Disconnect(); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		app.logger.Warn("socket_disconnect_failed", zap.Error(err))
	}
	if err := app.engine.Stop(); err != nil {
		app.logger.Warn("hub_stop_failed", zap.Error(err))
	}

	app.cancel()
	app.schedule.Wait()

	if err := app.sessions.Logout(); err != nil {
		app.logger.Warn("logout_failed", zap.Error(err))
	}
	app.engine.ClearRooms()
	if err := app.store.Close(); err != nil {
		app.logger.Warn("database_close_failed", zap.Error(err))
	}

	app.logger.Info("application_stopped")
	_ = app.logger.Sync()
	return nil
}

// Errors reports a failure of the HTTP server after Start returned.
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Addr returns the address the API listens on.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Hub exposes the engine to embedding programs.
func (app *Application) Hub() *hub.Hub {
	return app.engine
}
