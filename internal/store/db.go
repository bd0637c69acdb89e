// Package store is the authoritative map-data store contract (c3nav spec
// §6.1): row locking, bulk upsert, the MapUpdate log, and the staged-edit
// changeset model (spec.md §9's `editor/changes.py` resolution). It gives
// internal/scheduler its Store, and is the one piece of external state the
// rest of the core reads and writes through.
//
// Connection setup and the SQL-logging hook follow
// ClusterCockpit-cc-backend's internal/repository package: a single sqlite3
// driver registered once behind sqlhooks, one *sqlx.DB per process, a
// golang-migrate/iofs-embedded schema instead of the teacher's own
// migrations tree (same mechanism, this package's own schema).
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/c3nav/mpc/pkg/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	gosqlite3 "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

//go:embed migrations/sqlite3/*.sql
var migrationFiles embed.FS

var driverRegisterOnce sync.Once

// Store wraps a single sqlite3 connection implementing every contract in
// this package (scheduler.Store, the staged-edit resolver, BulkUpsert).
// sqlite does not support concurrent writers, so — like the teacher's
// dbConnection.go — the pool is capped at one connection; all
// serialization the core needs beyond that comes from MapUpdateLock and
// the job table's RUNNING-row uniqueness, not from database contention.
type Store struct {
	db *sqlx.DB

	lock *MapUpdateLock
}

// Connect opens path (a sqlite3 file, or ":memory:" for tests), applies
// pending migrations, and returns a ready Store.
func Connect(path string) (*Store, error) {
	driverRegisterOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&gosqlite3.SQLiteDriver{}, &Hooks{}))
	})

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, lock: NewMapUpdateLock()}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	log.Debug("store: schema up to date")
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lock returns the process-wide FIFO MapUpdate commit lock (spec.md §5).
func (s *Store) Lock() *MapUpdateLock {
	return s.lock
}
