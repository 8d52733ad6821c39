// Package sqlite provides a SQLite implementation of synckit.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Operation constants for consistent error reporting
const (
	opGetEntity      = "sqlite.GetEntity"
	opPutEntity      = "sqlite.PutEntity"
	opDeleteEntity   = "sqlite.DeleteEntity"
	opListEntities   = "sqlite.ListEntities"
	opSaveOperation  = "sqlite.SaveOperation"
	opGetOperation   = "sqlite.GetOperation"
	opListOperations = "sqlite.ListOperations"
	opSaveConflict   = "sqlite.SaveConflict"
	opGetConflict    = "sqlite.GetConflict"
	opListConflicts  = "sqlite.ListConflicts"
	opPutRule        = "sqlite.PutRule"
	opDeleteRule     = "sqlite.DeleteRule"
	opListRules      = "sqlite.ListRules"
)

var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
//
// DefaultConfig enables WAL mode and sizes the connection pool at 25 open and
// 5 idle connections.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:marketsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName unless a journal
	// mode is already set.
	EnableWAL bool

	// Logger defaults to a "sqlite-store" component logger.
	Logger *logging.Logger

	// TablePrefix is prepended to every table name. Defaults to "marketsync_".
	TablePrefix string

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.TablePrefix == "" {
		c.TablePrefix = "marketsync_"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-store"))
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled and pool defaults applied.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store persists entities, operations, conflicts and rules in SQLite. Each
// record is kept as a JSON body next to the columns used for lookups.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
	tables tableNames
}

type tableNames struct {
	entities, operations, conflicts, rules string
}

var _ synckit.Store = (*Store)(nil)

// New opens the database described by config and creates the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.String("table_prefix", config.TablePrefix),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	p := config.TablePrefix
	s := &Store{
		db:     db,
		logger: logger,
		tables: tableNames{
			entities:   p + "entities",
			operations: p + "operations",
			conflicts:  p + "conflicts",
			rules:      p + "rules",
		},
	}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite store initialized",
		slog.Bool("wal", strings.Contains(config.DataSourceName, "_journal_mode=WAL")),
	)
	return s, nil
}

func (s *Store) setupSchema() error {
	t := s.tables
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    entity_type    TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    marketplace_id TEXT NOT NULL,
    version        INTEGER NOT NULL,
    deleted        INTEGER NOT NULL DEFAULT 0,
    last_modified  INTEGER NOT NULL,
    body           TEXT NOT NULL,
    PRIMARY KEY (entity_type, entity_id, marketplace_id)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_marketplace ON %[1]s (marketplace_id);

CREATE TABLE IF NOT EXISTS %[2]s (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[2]s_status ON %[2]s (status, created_at);

CREATE TABLE IF NOT EXISTS %[3]s (
    id          TEXT PRIMARY KEY,
    resolved    INTEGER NOT NULL DEFAULT 0,
    detected_at INTEGER NOT NULL,
    body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[3]s_open ON %[3]s (resolved, detected_at);

CREATE TABLE IF NOT EXISTS %[4]s (
    id   TEXT PRIMARY KEY,
    body TEXT NOT NULL
);`, t.entities, t.operations, t.conflicts, t.rules)

	_, err := s.db.Exec(schema)
	return err
}

// DB returns the underlying database connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns database connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// Close closes the database connection. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindInternal, ErrStoreClosed)
	}
	return nil
}

// wrap turns driver failures into storage errors. Errors that already carry a
// kind keep it.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if syncErrors.KindOf(err) != syncErrors.KindOther {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	return syncErrors.NewStorageError(syncErrors.Op(op), component, err)
}

func notFound(op, what string) error {
	return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindNotFound, what, syncErrors.ErrNotFound)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
