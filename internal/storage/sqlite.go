package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dbFileName = "recollect.db"

// connPragmas are applied per connection via the DSN so that every
// connection in the read pool gets them, not just the first.
const connPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// Retry policy for contended writes. SQLite allows one writer at a time;
// under modest contention we block and retry before surfacing ErrBusy.
const (
	busyRetryAttempts = 5
	busyRetryBase     = 25 * time.Millisecond
)

// Store wraps a single-file SQLite database holding conversations, segments,
// and their embeddings.
//
// Two handles share the file: writes go through a single-connection handle so
// writer transactions are serialized, while reads use a small pool and run
// concurrently under WAL snapshot isolation. A reader never observes a
// conversation with only some of its segments.
type Store struct {
	path    string // empty for in-memory stores
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open opens (or creates) the store in dataDir and applies pending
// migrations. Pass ":memory:" for an in-memory store (used by tests); an
// in-memory store shares one connection for both roles, since every new
// in-memory connection would be a distinct database.
//
// Open is idempotent on an existing store and returns a SchemaError when the
// store records a schema version newer than this binary knows.
func Open(dataDir string) (*Store, error) {
	s := &Store{}

	if dataDir == ":memory:" {
		db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(ON)")
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(1)
		s.writeDB = db
		s.readDB = db
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		s.path = filepath.Join(dataDir, dbFileName)

		writeDB, err := sql.Open("sqlite", s.path+connPragmas)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		writeDB.SetMaxOpenConns(1)

		readDB, err := sql.Open("sqlite", s.path+connPragmas)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("opening read pool: %w", err)
		}
		readDB.SetMaxOpenConns(4)

		s.writeDB = writeDB
		s.readDB = readDB
	}

	if err := s.writeDB.Ping(); err != nil {
		s.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	err := s.writeDB.Close()
	if s.readDB != s.writeDB {
		if rerr := s.readDB.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// Path returns the on-disk database file path, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Reader exposes the snapshot-isolated read pool for query surfaces
// (the query executor and the search engine).
func (s *Store) Reader() *sql.DB {
	return s.readDB
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet, each inside its own transaction.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.writeDB.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	newest := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if version > newest {
			newest = version
		}
	}

	// Refuse stores written by a newer binary.
	var found sql.NullInt64
	if err := s.writeDB.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&found); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if found.Valid && int(found.Int64) > newest {
		return &SchemaError{Found: int(found.Int64), Supported: newest}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.writeDB.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.writeDB.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.readDB.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// isBusy reports whether err is transient lock contention. Extended result
// codes carry the base code in the low byte.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// withRetry runs fn, retrying on lock contention with exponential backoff up
// to busyRetryAttempts before surfacing ErrBusy. Non-busy errors return
// immediately. Cancellation aborts between attempts.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= busyRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyRetryAttempts {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * busyRetryBase
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("write contended after %d attempts: %w", busyRetryAttempts, ErrBusy)
}
