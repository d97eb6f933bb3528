// Package session ties one accepted connection to the registry and router.
// A session moves through three states: Connecting on accept, Registered once
// an envelope resolves its user, Closed on disconnect. Closed is terminal and
// idempotent.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/medichat/relay/internal/presence"
	"github.com/medichat/relay/internal/router"
	"github.com/medichat/relay/pkg/transport"
	"github.com/medichat/relay/pkg/wire"
)

type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateClosed
)

// Handler is the routing surface a session drives. Satisfied by
// *router.Router.
type Handler interface {
	Handle(ctx context.Context, origin router.Origin, env wire.Envelope)
	BroadcastPresence()
}

// Session owns exactly one transport connection and one frame decoder, and
// holds at most one registry entry.
type Session struct {
	conn     *transport.Connection
	decoder  *wire.Decoder
	registry *presence.Registry
	handler  Handler
	logger   *slog.Logger
	ctx      context.Context

	mu       sync.Mutex
	state    State
	identity presence.Identity
}

func New(ctx context.Context, conn *transport.Connection, registry *presence.Registry, handler Handler, logger *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		decoder:  wire.NewDecoder(logger),
		registry: registry,
		handler:  handler,
		logger:   logger.With(slog.String("connID", conn.ID().String())),
		ctx:      ctx,
	}
	conn.SetOnData(s.handleData)
	conn.SetOnClose(s.handleClose)
	return s
}

var _ router.Origin = (*Session)(nil)

// Run starts the connection pumps. The read pump is the only goroutine that
// touches the decoder.
func (s *Session) Run() {
	s.conn.Run()
}

func (s *Session) handleData(_ uuid.UUID, p []byte) {
	s.decoder.Feed(p)
	for {
		env, ok := s.decoder.Next()
		if !ok {
			return
		}
		s.handler.Handle(s.ctx, s, env)
	}
}

// handleClose runs exactly once per connection; the transport guarantees it.
// The session-level state guard additionally absorbs an explicit Close racing
// the transport's own teardown.
func (s *Session) handleClose(_ uuid.UUID, err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	if removed, ok := s.registry.UnregisterPeer(s); ok {
		s.logger.Info("session closed, user offline",
			slog.Int64("userID", removed.ID), slog.Any("reason", err))
		s.handler.BroadcastPresence()
		return
	}
	s.logger.Debug("session closed", slog.Any("reason", err))
}

// --- router.Origin ---

func (s *Session) ID() uuid.UUID {
	return s.conn.ID()
}

func (s *Session) Send(p []byte) error {
	return s.conn.Send(p)
}

func (s *Session) Close(err error) {
	s.conn.Close(err)
}

func (s *Session) Identity() (presence.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateRegistered
}

func (s *Session) SetIdentity(identity presence.Identity) {
	s.mu.Lock()
	s.identity = identity
	if s.state == StateConnecting {
		s.state = StateRegistered
	}
	closed := s.state == StateClosed
	s.mu.Unlock()

	if closed {
		// The registration raced a concurrent teardown: handleClose has
		// already run its registry cleanup, so the entry just inserted for
		// this dead connection must be undone here.
		if removed, ok := s.registry.UnregisterPeer(s); ok {
			s.logger.Debug("undid registration on closed session", slog.Int64("userID", removed.ID))
			s.handler.BroadcastPresence()
		}
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the underlying connection has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}
