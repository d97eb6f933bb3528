package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Identity is a user as known to the external directory. Immutable once
// registered; the relay never invents or rewrites identities.
type Identity struct {
	ID       int64
	Username string
	Role     string
}

// Peer is the write path of one live connection. Sessions implement it; the
// registry never owns the connection, only the routing handle.
type Peer interface {
	ID() uuid.UUID
	Send(p []byte) error
	Close(err error)
}

type entry struct {
	identity Identity
	peer     Peer
}

// Registry is the authoritative mapping of online user id to connection.
// All operations are mutually exclusive under one mutex; a snapshot never
// observes a half-applied update. Iteration order is insertion order of the
// current entries.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*entry
	order   []int64
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[int64]*entry),
		logger:  logger.With(slog.String("component", "presence_registry")),
	}
}

// Register makes peer the connection for identity.ID, replacing any existing
// entry. It returns the superseded peer when a different connection held the
// entry, so the caller can force-close the stale session. A re-registration
// over the same connection just refreshes the identity.
func (r *Registry) Register(identity Identity, peer Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[identity.ID]; ok {
		old := existing.peer
		existing.identity = identity
		existing.peer = peer
		if old.ID() == peer.ID() {
			return nil
		}
		r.logger.Info("superseding stale connection for user",
			slog.Int64("userID", identity.ID),
			slog.String("oldConnID", old.ID().String()),
			slog.String("newConnID", peer.ID().String()))
		return old
	}

	r.entries[identity.ID] = &entry{identity: identity, peer: peer}
	r.order = append(r.order, identity.ID)
	r.logger.Debug("user registered", slog.Int64("userID", identity.ID), slog.String("username", identity.Username))
	return nil
}

// RegisterIfAbsent registers identity only when no entry exists for its id.
// Check and insert happen under one lock, so two connections claiming the
// same id cannot both win and an explicit registration cannot be displaced
// by a concurrent implicit one. Reports whether the registration took effect.
func (r *Registry) RegisterIfAbsent(identity Identity, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[identity.ID]; ok {
		return false
	}
	r.entries[identity.ID] = &entry{identity: identity, peer: peer}
	r.order = append(r.order, identity.ID)
	r.logger.Debug("user registered", slog.Int64("userID", identity.ID), slog.String("username", identity.Username))
	return true
}

// UnregisterPeer removes the entry held by the given connection, if any.
// A connection that was superseded no longer holds its entry, so its
// disconnect leaves the newer registration untouched.
func (r *Registry) UnregisterPeer(peer Peer) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if e.peer.ID() == peer.ID() {
			r.removeLocked(id)
			r.logger.Debug("user unregistered on disconnect", slog.Int64("userID", id))
			return e.identity, true
		}
	}
	return Identity{}, false
}

// UnregisterID removes the entry for a user id. Used for explicit offline
// status.
func (r *Registry) UnregisterID(id int64) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Identity{}, false
	}
	r.removeLocked(id)
	r.logger.Debug("user unregistered", slog.Int64("userID", id))
	return e.identity, true
}

// Lookup returns the connection for an online user id.
func (r *Registry) Lookup(id int64) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Contains reports whether a user id is currently online.
func (r *Registry) Contains(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Snapshot returns the identities of current entries in insertion order.
// An empty roleFilter returns everyone.
func (r *Registry) Snapshot(roleFilter string) []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Identity, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if roleFilter != "" && e.identity.Role != roleFilter {
			continue
		}
		out = append(out, e.identity)
	}
	return out
}

// SnapshotPeers returns identities and peers as one consistent pair, taken
// under a single lock acquisition so a concurrent registry change cannot tear
// a broadcast.
func (r *Registry) SnapshotPeers() ([]Identity, []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identities := make([]Identity, 0, len(r.order))
	peers := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		identities = append(identities, e.identity)
		peers = append(peers, e.peer)
	}
	return identities, peers
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) removeLocked(id int64) {
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
