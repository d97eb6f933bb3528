package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteResolver reads the users table maintained by the registration and
// login frontends. Inactive accounts resolve as not found.
type SQLiteResolver struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(dsn string, logger *slog.Logger) (*SQLiteResolver, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store %s: %w", dsn, err)
	}
	return &SQLiteResolver{
		db:     db,
		logger: logger.With(slog.String("component", "directory_sqlite")),
	}, nil
}

var _ Resolver = (*SQLiteResolver)(nil)

func (r *SQLiteResolver) ResolveByID(ctx context.Context, id int64) (User, error) {
	const query = `SELECT id, username, role FROM users WHERE id = ? AND is_active = 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteResolver) ResolveByUsername(ctx context.Context, name string) (User, error) {
	const query = `SELECT id, username, role FROM users WHERE username = ? AND is_active = 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, name))
}

func (r *SQLiteResolver) scanOne(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("error querying user: %w", err)
	}
	return u, nil
}

func (r *SQLiteResolver) Close() error {
	return r.db.Close()
}
