package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/medichat/relay/internal/directory"
	"github.com/medichat/relay/internal/presence"
	"github.com/medichat/relay/pkg/wire"
)

// ErrSuperseded closes a stale connection after the same user registered from
// a newer one.
var ErrSuperseded = errors.New("router: connection superseded by a newer registration")

// Origin is the session an envelope arrived on.
type Origin interface {
	presence.Peer
	Identity() (presence.Identity, bool)
	SetIdentity(presence.Identity)
}

// Router dispatches decoded envelopes. It owns no state of its own: every
// decision is a function of the envelope, the registry and the directory.
type Router struct {
	logger   *slog.Logger
	registry *presence.Registry
	users    directory.Resolver
}

func New(logger *slog.Logger, registry *presence.Registry, users directory.Resolver) *Router {
	return &Router{
		logger:   logger.With(slog.String("component", "router")),
		registry: registry,
		users:    users,
	}
}

// Handle dispatches one envelope from origin. Unknown types are ignored so
// newer clients do not break the relay.
func (r *Router) Handle(ctx context.Context, origin Origin, env wire.Envelope) {
	switch env.Type {
	case wire.TypeOnlineStatus:
		r.handleStatus(ctx, origin, env)
	case wire.TypeChat, wire.TypeChatRequest, wire.TypeChatResponse:
		r.relay(ctx, origin, env)
	default:
		r.logger.Debug("ignoring envelope of unknown type", slog.String("type", env.Type))
	}
}

func (r *Router) handleStatus(ctx context.Context, origin Origin, env wire.Envelope) {
	switch env.Status {
	case wire.StatusOnline:
		identity := presence.Identity{ID: env.UserID, Username: env.Username, Role: env.Role}
		if identity.Username == "" {
			if u, err := r.users.ResolveByID(ctx, identity.ID); err == nil {
				identity.Username = u.Username
				identity.Role = u.Role
			}
		}
		superseded := r.registry.Register(identity, origin)
		origin.SetIdentity(identity)
		if superseded != nil {
			superseded.Close(ErrSuperseded)
		}
	case wire.StatusOffline:
		r.registry.UnregisterID(env.UserID)
	}

	// The original server always rebroadcasts after a status message, even
	// when the registry did not change.
	r.BroadcastPresence()
}

func (r *Router) relay(ctx context.Context, origin Origin, env wire.Envelope) {
	if _, registered := origin.Identity(); !registered {
		r.registerImplicit(ctx, origin, env.From)
	}

	target, ok := r.registry.Lookup(env.To)
	if !ok {
		// Normal outcome, not a fault: tell the sender and move on.
		r.replyError(origin, "recipient offline")
		r.logger.Debug("relay target offline",
			slog.Int64("from", env.From), slog.Int64("to", env.To), slog.String("type", env.Type))
		return
	}

	frame, err := r.outboundFrame(ctx, env)
	if err != nil {
		r.logger.Error("failed to frame relay envelope", slog.Any("error", err))
		return
	}
	if err := target.Send(frame); err != nil {
		r.logger.Warn("relay delivery failed",
			slog.Int64("to", env.To), slog.Any("error", err))
		r.replyError(origin, "recipient offline")
		return
	}
	r.logger.Debug("relayed envelope",
		slog.String("type", env.Type), slog.Int64("from", env.From), slog.Int64("to", env.To))
}

// outboundFrame forwards the original frame verbatim, except that a request
// or response missing its sender's display name is re-annotated from the
// directory before relay.
func (r *Router) outboundFrame(ctx context.Context, env wire.Envelope) ([]byte, error) {
	if env.Username == "" && (env.Type == wire.TypeChatRequest || env.Type == wire.TypeChatResponse) {
		if u, err := r.users.ResolveByID(ctx, env.From); err == nil {
			annotated := env
			annotated.Username = u.Username
			return wire.Encode(annotated)
		}
	}
	return env.Framed()
}

// registerImplicit tolerates clients that skip the presence handshake: the
// first targeted envelope registers its sender, but never at the expense of a
// richer registration already held by another connection.
func (r *Router) registerImplicit(ctx context.Context, origin Origin, from int64) {
	// Cheap pre-check to skip the directory lookup in the common case; the
	// authoritative decision is the atomic RegisterIfAbsent below.
	if from <= 0 || r.registry.Contains(from) {
		return
	}

	identity := presence.Identity{ID: from}
	if u, err := r.users.ResolveByID(ctx, from); err == nil {
		identity.Username = u.Username
		identity.Role = u.Role
	} else {
		identity.Username = fmt.Sprintf("user-%d", from)
	}

	if !r.registry.RegisterIfAbsent(identity, origin) {
		// Another connection won the id while we resolved the directory.
		// This origin stays unregistered; only the winner may believe
		// otherwise.
		return
	}
	origin.SetIdentity(identity)
	r.logger.Debug("implicitly registered sender", slog.Int64("userID", from))
	r.BroadcastPresence()
}

// BroadcastPresence sends the current online_users snapshot to every
// registered connection. The snapshot and the recipient list are taken under
// one registry lock; delivery is best-effort per peer.
func (r *Router) BroadcastPresence() {
	identities, peers := r.registry.SnapshotPeers()

	users := make([]wire.UserInfo, 0, len(identities))
	for _, identity := range identities {
		users = append(users, wire.UserInfo{ID: identity.ID, Username: identity.Username, Role: identity.Role})
	}
	frame, err := wire.Encode(wire.Snapshot(users))
	if err != nil {
		r.logger.Error("failed to encode presence snapshot", slog.Any("error", err))
		return
	}

	for _, peer := range peers {
		if err := peer.Send(frame); err != nil {
			r.logger.Warn("presence broadcast delivery failed",
				slog.String("connID", peer.ID().String()), slog.Any("error", err))
		}
	}
	r.logger.Debug("broadcast presence snapshot", slog.Int("online", len(users)))
}

func (r *Router) replyError(origin Origin, msg string) {
	frame, err := wire.Encode(wire.ErrorMessage(msg))
	if err != nil {
		r.logger.Error("failed to encode error envelope", slog.Any("error", err))
		return
	}
	if err := origin.Send(frame); err != nil {
		r.logger.Debug("error reply delivery failed", slog.Any("error", err))
	}
}
