// Package userstore resolves user ids against a PostgreSQL users table.
//
// The broker consults it before attaching a connection to a session when a
// database is configured.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the users table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ErrEmptyID is returned when a user id is blank.
var ErrEmptyID = errors.New("userstore: empty user id")

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pinger is implemented by *pgxpool.Pool and *pgx.Conn.
type pinger interface {
	Ping(ctx context.Context) error
}

// PostgresStore looks users up in PostgreSQL.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a [PostgresStore] on top of db. Call
// [PostgresStore.Migrate] before the first lookup on a fresh database.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("userstore: migrate: %w", err)
	}
	return nil
}

// Exists reports whether a user with the given id is registered.
func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM users WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("userstore: lookup %q: %w", id, err)
	}
	return true, nil
}

// Add registers a user. Adding an existing id updates its name.
func (s *PostgresStore) Add(ctx context.Context, id, name string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
	if err != nil {
		return fmt.Errorf("userstore: add %q: %w", id, err)
	}
	return nil
}

// Remove deletes a user. Removing an unknown id is not an error.
func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("userstore: remove %q: %w", id, err)
	}
	return nil
}

// Ping checks database connectivity. It is used as a readiness check and
// falls back to a trivial query when the DB cannot ping itself.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := s.db.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("userstore: ping: %w", err)
		}
		return nil
	}
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("userstore: ping: %w", err)
	}
	return nil
}
