package presence_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/medichat/relay/internal/presence"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakePeer struct {
	id     uuid.UUID
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: uuid.New()}
}

func (p *fakePeer) ID() uuid.UUID { return p.id }

func (p *fakePeer) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, b)
	return nil
}

func (p *fakePeer) Close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func TestRegisterAndLookup(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	peer := newFakePeer()

	superseded := r.Register(presence.Identity{ID: 1, Username: "doc1", Role: "doctor"}, peer)
	if superseded != nil {
		t.Fatal("first registration must not supersede anything")
	}

	got, ok := r.Lookup(1)
	if !ok {
		t.Fatal("Lookup failed to find registered user")
	}
	if got.ID() != peer.ID() {
		t.Error("Lookup returned wrong peer")
	}
	if _, ok := r.Lookup(2); ok {
		t.Error("Lookup found a user that was never registered")
	}
}

func TestUniquenessInvariant(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())

	// Arbitrary register/unregister sequence: never two entries per id.
	peers := []*fakePeer{newFakePeer(), newFakePeer(), newFakePeer()}
	r.Register(presence.Identity{ID: 1, Username: "a"}, peers[0])
	r.Register(presence.Identity{ID: 1, Username: "a"}, peers[1])
	r.Register(presence.Identity{ID: 2, Username: "b"}, peers[2])
	r.UnregisterID(2)
	r.Register(presence.Identity{ID: 2, Username: "b"}, peers[2])
	r.Register(presence.Identity{ID: 1, Username: "a"}, peers[0])

	snapshot := r.Snapshot("")
	seen := make(map[int64]int)
	for _, identity := range snapshot {
		seen[identity.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("user %d appears %d times in snapshot", id, n)
		}
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", r.Len())
	}
}

func TestSupersedeReturnsOldPeer(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	first := newFakePeer()
	second := newFakePeer()

	r.Register(presence.Identity{ID: 1, Username: "doc1"}, first)
	superseded := r.Register(presence.Identity{ID: 1, Username: "doc1"}, second)
	if superseded == nil {
		t.Fatal("second registration must return the superseded peer")
	}
	if superseded.ID() != first.ID() {
		t.Error("wrong peer superseded")
	}

	got, _ := r.Lookup(1)
	if got.ID() != second.ID() {
		t.Error("registry entry must point at the newer connection")
	}

	// Re-registration over the same connection is a refresh, not a supersede.
	if s := r.Register(presence.Identity{ID: 1, Username: "doc1", Role: "doctor"}, second); s != nil {
		t.Error("same-connection re-registration must not supersede")
	}
}

func TestSupersededDisconnectKeepsNewEntry(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	first := newFakePeer()
	second := newFakePeer()

	r.Register(presence.Identity{ID: 1, Username: "doc1"}, first)
	r.Register(presence.Identity{ID: 1, Username: "doc1"}, second)

	// The stale connection's disconnect must not evict the new registration.
	if _, removed := r.UnregisterPeer(first); removed {
		t.Error("superseded peer still held a registry entry")
	}
	if got, ok := r.Lookup(1); !ok || got.ID() != second.ID() {
		t.Error("newer registration was lost")
	}
}

func TestRegisterIfAbsent(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	first := newFakePeer()
	second := newFakePeer()

	if !r.RegisterIfAbsent(presence.Identity{ID: 1, Username: "doc1"}, first) {
		t.Fatal("first claim on a free id must win")
	}
	if r.RegisterIfAbsent(presence.Identity{ID: 1, Username: "doc1"}, second) {
		t.Fatal("second claim on a taken id must lose")
	}
	if got, _ := r.Lookup(1); got.ID() != first.ID() {
		t.Error("losing claim displaced the existing entry")
	}

	// Concurrent claims on one id: exactly one winner.
	r2 := presence.NewRegistry(newTestLogger())
	const claims = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r2.RegisterIfAbsent(presence.Identity{ID: 7, Username: "u"}, newFakePeer()) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins)
	}
	if r2.Len() != 1 {
		t.Errorf("expected one entry, got %d", r2.Len())
	}
}

func TestUnregisterPeer(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	peer := newFakePeer()
	r.Register(presence.Identity{ID: 5, Username: "pat5", Role: "patient"}, peer)

	identity, ok := r.UnregisterPeer(peer)
	if !ok {
		t.Fatal("UnregisterPeer failed to find entry")
	}
	if identity.ID != 5 || identity.Username != "pat5" {
		t.Errorf("wrong identity removed: %+v", identity)
	}
	if _, ok := r.Lookup(5); ok {
		t.Error("entry survived UnregisterPeer")
	}

	// Second invocation is a no-op.
	if _, ok := r.UnregisterPeer(peer); ok {
		t.Error("UnregisterPeer removed an entry twice")
	}
}

func TestSnapshotOrderAndRoleFilter(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	r.Register(presence.Identity{ID: 3, Username: "doc3", Role: "doctor"}, newFakePeer())
	r.Register(presence.Identity{ID: 1, Username: "pat1", Role: "patient"}, newFakePeer())
	r.Register(presence.Identity{ID: 2, Username: "doc2", Role: "doctor"}, newFakePeer())

	all := r.Snapshot("")
	wantOrder := []int64{3, 1, 2}
	if len(all) != len(wantOrder) {
		t.Fatalf("expected %d identities, got %d", len(wantOrder), len(all))
	}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Errorf("snapshot[%d] = %d, want %d (insertion order)", i, all[i].ID, id)
		}
	}

	doctors := r.Snapshot("doctor")
	if len(doctors) != 2 || doctors[0].ID != 3 || doctors[1].ID != 2 {
		t.Errorf("role filter wrong: %+v", doctors)
	}
}

func TestSnapshotPeersConsistentPair(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	p1 := newFakePeer()
	p2 := newFakePeer()
	r.Register(presence.Identity{ID: 1, Username: "a"}, p1)
	r.Register(presence.Identity{ID: 2, Username: "b"}, p2)

	identities, peers := r.SnapshotPeers()
	if len(identities) != len(peers) {
		t.Fatalf("pair lengths differ: %d vs %d", len(identities), len(peers))
	}
	for i := range identities {
		want := map[int64]uuid.UUID{1: p1.ID(), 2: p2.ID()}[identities[i].ID]
		if peers[i].ID() != want {
			t.Errorf("identity %d paired with wrong peer", identities[i].ID)
		}
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())

	const users = 50
	var wg sync.WaitGroup
	for i := 1; i <= users; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			r.Register(presence.Identity{ID: id, Username: "u"}, newFakePeer())
		}(int64(i))
	}
	wg.Wait()

	snapshot := r.Snapshot("")
	if len(snapshot) != users {
		t.Fatalf("expected %d users online, got %d", users, len(snapshot))
	}
	seen := make(map[int64]bool)
	for _, identity := range snapshot {
		if seen[identity.ID] {
			t.Errorf("user %d appears twice", identity.ID)
		}
		seen[identity.ID] = true
	}
}
