// Package store implements the kernel's persistence facade (C11): the
// single shared mutable store described in the orchestration spec's
// concurrency model, backing every other component's entities in
// Postgres. It is grounded on the pack's sqlx.Connect("postgres", dsn)
// over a blank-imported pgx/v5/stdlib driver, and uses goose for schema
// migrations, the same combination the storage-heavy example repos in
// this corpus wire together rather than driving pgx's native pool
// directly.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistence facade. Every repository method hangs off this
// type so callers share one connection pool and one migration lineage.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Config bounds the pool sqlx hands to database/sql.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultConfig() Config {
	return Config{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}
}

// Open connects to Postgres at dsn and applies the bundled migrations. The
// dsn is a standard "postgres://" URL or libpq keyword string; pgx's
// database/sql driver accepts both.
func Open(ctx context.Context, dsn string, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies every pending migration under migrations/.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB for repository files in this package.
func (s *Store) DB() *sqlx.DB { return s.db }

// nullTime converts a zero time.Time (the task/agent packages' "unset"
// sentinel) to a NULL column value.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
