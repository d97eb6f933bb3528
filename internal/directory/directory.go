// Package directory reads user identity from the external user store. The
// relay only resolves display information here; it never writes.
package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("directory: user not found")

// User is the directory's view of an account.
type User struct {
	ID       int64
	Username string
	Role     string
}

type Resolver interface {
	ResolveByID(ctx context.Context, id int64) (User, error)
	ResolveByUsername(ctx context.Context, name string) (User, error)
}
