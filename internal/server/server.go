package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/a-essam23/chatrelay/internal/engine"
	"github.com/a-essam23/chatrelay/internal/router"
	"github.com/a-essam23/chatrelay/internal/server/middleware"
	"github.com/a-essam23/chatrelay/pkg/config"
	"github.com/a-essam23/chatrelay/pkg/state"
	"github.com/a-essam23/chatrelay/pkg/state/statemanager"
	"github.com/a-essam23/chatrelay/pkg/transport"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config) *App {
	stateManager := statemanager.NewInMemoryManager(logger, statemanager.Options{
		LoginPolicy: state.LoginPolicy(cfg.Session.DuplicateLogin),
	})
	eventRouter := router.NewEventRouter(logger, engine.New(logger, stateManager))

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		eventRouter:  eventRouter,
		config:       cfg,
		ctx:          rootContx,
	}

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: app.Handler(), BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler returns the HTTP handler serving the chat endpoint.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(a.upgradeHandler)
	mux.Handle(a.config.Server.Path,
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(a.logger),
			middleware.NewAdmissionMiddleware(a.logger, a.config.Server.Auth.JWTSecret),
		),
	)
	return mux
}

// Run serves until the root context is cancelled or the listener fails, then
// shuts down.
func (a *App) Run() error {
	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr), slog.String("path", a.config.Server.Path))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	origins := a.config.Server.AllowedOrigins
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     origins,
		InsecureSkipVerify: len(origins) == 0,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	tc := a.config.Transport
	// Connections outlive the root context so Shutdown can close them with a
	// going-away status.
	conn := transport.NewConnection(
		context.WithoutCancel(a.ctx),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:     tc.ReadTimeout,
			WriteTimeout:    tc.WriteTimeout,
			PingInterval:    tc.PingInterval,
			SendBuffer:      tc.SendBuffer,
			MaxMessageBytes: tc.MaxMessageBytes,
			SlowConsumer:    transport.SlowConsumerPolicy(tc.SlowConsumer),
		},
		nil,
		nil,
		connLogger,
	)
	// register new connection as anonymous
	if err := a.eventRouter.OnConnect(conn); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(a.eventRouter.OnDisconnect)

	connLogger.Info("Connection fully established", slog.String("connID", conn.ID().String()), slog.String("subject", reqMeta.Subject))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	// websocket handlers are hijacked, so Shutdown does not wait for them.
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}

	// close all active WebSocket connections.
	conns := a.stateManager.Connections()
	a.logger.Info("Closing all active connections...", slog.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Close(transport.ErrGoingAway)
	}

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("Server shut down gracefully.")
		return nil
	case <-shutdownCtx.Done():
		a.logger.Warn("Timed out waiting for connections to close")
		return shutdownCtx.Err()
	}
}
