// Package database opens the database/sql handle backing every store
// in the platform (sessions, invites, users), selecting the sqlite or
// Postgres driver from configuration the way the upstream workspace
// orchestrator's internal/db package does, adapted to the
// database/sql + sqlutil dialect-fragment style the rest of this
// module's stores already use instead of a dedicated pool wrapper.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" database/sql driver

	"github.com/kandev/octo/internal/common/config"
)

// Open establishes the database/sql handle for cfg.Driver ("sqlite" or
// "postgres"), applies pool sizing, and verifies connectivity with a
// ping before returning. The returned name is the database/sql driver
// actually opened ("pgx" or "sqlite3"), the value sqlutil's dialect
// helpers key on.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, string, error) {
	switch cfg.Driver {
	case "postgres", "postgresql":
		db, err := sql.Open("pgx", cfg.DSN())
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		configurePool(db, cfg)
		if err := ping(ctx, db); err != nil {
			db.Close()
			return nil, "", err
		}
		return db, "pgx", nil

	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "octo.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", fmt.Errorf("create sqlite data dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite3's driver does not support concurrent writers across
		// multiple pooled connections; a single connection avoids
		// SQLITE_BUSY under the platform's write patterns.
		db.SetMaxOpenConns(1)
		if err := ping(ctx, db); err != nil {
			db.Close()
			return nil, "", err
		}
		return db, "sqlite3", nil

	default:
		return nil, "", fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
