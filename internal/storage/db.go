package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"procure/internal/config"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// NotifyChannel is the LISTEN/NOTIFY channel the postgres triggers publish on.
	NotifyChannel = "procure_changes"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations
var migrations embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type DB struct {
	conn   *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg config.Config) (*DB, error) {
	switch cfg.DBDriver {
	case "", DriverSQLite:
		return OpenSQLite(ctx, cfg.DBPath)
	case DriverPostgres:
		if err := cfg.Require("DATABASE_URL", cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
}

func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	conn, err := sqlx.Open(DriverSQLite, "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	// One writer keeps sqlite from returning SQLITE_BUSY inside transactions.
	conn.SetMaxOpenConns(1)

	return open(ctx, conn, DriverSQLite)
}

func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	return open(ctx, conn, DriverPostgres)
}

func open(ctx context.Context, conn *sqlx.DB, driver string) (*DB, error) {
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, driver: driver, now: time.Now}
	if _, err := db.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Migrate applies pending migrations and returns the versions it applied.
func (d *DB) Migrate(ctx context.Context) ([]int64, error) {
	dialect := goose.DialectSQLite3
	if d.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrations, "migrations/"+d.driver)
	if err != nil {
		return nil, err
	}

	provider, err := goose.NewProvider(dialect, d.conn.DB, fsys)
	if err != nil {
		return nil, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, err
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Driver() string {
	return d.driver
}

// SQL exposes the pool for health checks and LISTEN/NOTIFY setup.
func (d *DB) SQL() *sql.DB {
	return d.conn.DB
}

func (d *DB) rebind(query string) string {
	return d.conn.Rebind(query)
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) (bool, error)) (bool, error) {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := fn(tx)
	if err != nil || !ok {
		return ok, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
