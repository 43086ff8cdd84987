package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"

	"mailsync/internal/config"
)

type dialect struct {
	driver string
	types  *strings.Replacer
}

var (
	sqliteDialect = dialect{
		driver: "sqlite",
		types:  strings.NewReplacer("{{blob}}", "BLOB", "{{time}}", "DATETIME", "{{bool}}", "BOOLEAN"),
	}
	postgresDialect = dialect{
		driver: "postgres",
		types:  strings.NewReplacer("{{blob}}", "BYTEA", "{{time}}", "TIMESTAMPTZ", "{{bool}}", "BOOLEAN"),
	}
)

// SQLStore implements Store on SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	dialect dialect
	dsn     string

	mu gosync.RWMutex
	db *sqlx.DB
}

// Open picks the backend from cfg.Driver.
func Open(cfg config.DatabaseConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.DSN)
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath with WAL,
// foreign keys and a busy timeout on every pooled connection, and runs any
// pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	return newSQLStore(sqliteDialect, sqliteDSN(dbPath))
}

// NewPostgresStore connects to PostgreSQL using a lib/pq connection string.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn)
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

func newSQLStore(d dialect, dsn string) (*SQLStore, error) {
	s := &SQLStore{dialect: d, dsn: dsn}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLStore) open() (*sqlx.DB, error) {
	db, err := sqlx.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", s.dialect.driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s db: %w", s.dialect.driver, err)
	}
	return db, nil
}

func (s *SQLStore) conn() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Reconnect replaces the connection pool. It is the recovery step of the
// store retry policy.
func (s *SQLStore) Reconnect(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Driver is "sqlite" or "postgres".
func (s *SQLStore) Driver() string { return s.dialect.driver }

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLStore) runMigrations() error {
	db := s.conn()
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion := 0
	if err := db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(s.dialect.types.Replace(m.sql)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(db.Rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// IsConnectivityError reports errors worth one reconnect and retry: dropped
// or closed connections, network failures and a busy or locked database.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. 57P01: admin shutdown.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case 5, 6, 10: // SQLITE_BUSY, SQLITE_LOCKED, SQLITE_IOERR
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is closed")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// SQLITE_CONSTRAINT_UNIQUE, SQLITE_CONSTRAINT_PRIMARYKEY
		return liteErr.Code() == 2067 || liteErr.Code() == 1555
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func wrapWrite(err error, format string, args ...any) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %v", fmt.Sprintf(format, args...), ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
