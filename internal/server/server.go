package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/medichat/relay/internal/directory"
	"github.com/medichat/relay/internal/presence"
	"github.com/medichat/relay/internal/router"
	"github.com/medichat/relay/internal/session"
	"github.com/medichat/relay/pkg/config"
	"github.com/medichat/relay/pkg/transport"
)

// App owns the listeners, the registry and the router for one relay process.
type App struct {
	logger      *slog.Logger
	config      *config.Config
	registry    *presence.Registry
	eventRouter *router.Router
	wg          sync.WaitGroup

	lnMu sync.Mutex
	ln   net.Listener
	wsLn net.Listener
	http *http.Server

	connMu sync.Mutex
	conns  map[uuid.UUID]*transport.Connection

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, users directory.Resolver) *App {
	registry := presence.NewRegistry(logger)
	return &App{
		logger:      logger,
		config:      cfg,
		registry:    registry,
		eventRouter: router.New(logger, registry, users),
		conns:       make(map[uuid.UUID]*transport.Connection),
		ctx:         rootCtx,
	}
}

// Run binds the listeners and blocks until the root context is cancelled.
// Failure to bind is the only fatal startup condition.
func (a *App) Run() error {
	ln, err := net.Listen("tcp", a.config.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind chat listener on %s: %w", a.config.Server.Address, err)
	}
	a.lnMu.Lock()
	a.ln = ln
	a.lnMu.Unlock()
	a.logger.Info("Chat server listening", slog.String("addr", ln.Addr().String()))
	go a.acceptLoop()

	if wsAddr := a.config.Server.WSAddress; wsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", a.upgradeHandler)
		a.http = &http.Server{Addr: wsAddr, Handler: mux, BaseContext: func(net.Listener) context.Context {
			return a.ctx
		}}
		wsLn, err := net.Listen("tcp", wsAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to bind websocket gateway on %s: %w", wsAddr, err)
		}
		a.lnMu.Lock()
		a.wsLn = wsLn
		a.lnMu.Unlock()
		a.logger.Info("WebSocket gateway listening", slog.String("addr", wsLn.Addr().String()))
		go func() {
			if err := a.http.Serve(wsLn); err != http.ErrServerClosed {
				a.logger.Error("WebSocket gateway failed", slog.Any("error", err))
			}
		}()
	}

	<-a.ctx.Done()
	return a.Shutdown()
}

// Addr returns the bound chat listener address, once Run has bound it.
func (a *App) Addr() string {
	a.lnMu.Lock()
	defer a.lnMu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// WSAddr returns the bound gateway address, once Run has bound it. Empty when
// the gateway is disabled.
func (a *App) WSAddr() string {
	a.lnMu.Lock()
	defer a.lnMu.Unlock()
	if a.wsLn == nil {
		return ""
	}
	return a.wsLn.Addr().String()
}

func (a *App) acceptLoop() {
	for {
		netConn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			a.logger.Error("Accept failed", slog.Any("error", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go a.serveConn(netConn)
	}
}

func (a *App) serveConn(netConn net.Conn) {
	conn := transport.NewTCP(a.ctx, &a.wg, netConn, transport.Config(a.config.Transport), a.logger)
	a.runSession(conn)
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}
	conn := transport.NewWS(a.ctx, &a.wg, wsConn, r.RemoteAddr, transport.Config(a.config.Transport), a.logger)
	a.runSession(conn)
}

// runSession wires one connection into a session and blocks until the
// connection terminates.
func (a *App) runSession(conn *transport.Connection) {
	a.trackConn(conn)
	defer a.untrackConn(conn)

	sess := session.New(a.ctx, conn, a.registry, a.eventRouter, a.logger)
	sess.Run()
	<-sess.Done()
}

func (a *App) trackConn(conn *transport.Connection) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	a.conns[conn.ID()] = conn
}

func (a *App) untrackConn(conn *transport.Connection) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	delete(a.conns, conn.ID())
}

// Shutdown closes the listeners and every live connection, then waits for the
// connection goroutines to finish their cleanup.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	if a.ln != nil {
		a.ln.Close()
	}
	if a.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("WebSocket gateway shutdown failed", slog.Any("error", err))
		}
	}

	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.connMu.Unlock()
	for _, conn := range conns {
		conn.Close(errors.New("graceful shutdown"))
	}

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
