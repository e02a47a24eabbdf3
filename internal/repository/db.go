package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

// DB wraps the database handle shared by the repositories.
type DB struct {
	conn *sql.DB
	log  *slog.Logger
}

// sqlite needs WAL plus a lock timeout to tolerate the daemon's concurrent
// writers (workers, supervisor, sweep).
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// Open connects per the configured driver, applies engine setup, and runs
// the embedded migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "driver", cfg.Driver)

	var (
		conn    *sql.DB
		dialect string
		err     error
	)
	switch cfg.Driver {
	case "sqlite":
		conn, err = sql.Open("sqlite", cfg.DSN)
		dialect = "sqlite3"
	case "postgres":
		conn, err = sql.Open("pgx", cfg.DSN)
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		_ = conn.Close()
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		for _, pragma := range sqlitePragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
			}
		}
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("successfully connected to database")
	return &DB{conn: conn, log: logger}, nil
}

// Close closes the database connection gracefully
func (d *DB) Close() {
	d.log.Info("closing database connection")
	if err := d.conn.Close(); err != nil {
		d.log.Error("failed to close database", "error", err)
	}
}

// HealthCheck pings the database to catch connection issues early.
func (d *DB) HealthCheck(ctx context.Context, timeout time.Duration) error {
	d.log.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.conn.PingContext(ctx)
}
