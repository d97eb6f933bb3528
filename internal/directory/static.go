package directory

import (
	"context"
	"sync"
)

// StaticResolver serves a fixed user set from memory. Used in tests and for
// deployments where clients always send their own display info.
type StaticResolver struct {
	mu     sync.RWMutex
	byID   map[int64]User
	byName map[string]User
}

func NewStatic(users ...User) *StaticResolver {
	r := &StaticResolver{
		byID:   make(map[int64]User),
		byName: make(map[string]User),
	}
	for _, u := range users {
		r.Add(u)
	}
	return r
}

var _ Resolver = (*StaticResolver)(nil)

func (r *StaticResolver) Add(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[u.ID] = u
	r.byName[u.Username] = u
}

func (r *StaticResolver) ResolveByID(ctx context.Context, id int64) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *StaticResolver) ResolveByUsername(ctx context.Context, name string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
