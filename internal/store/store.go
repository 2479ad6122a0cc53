package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"circulation-service/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Supported storage dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

const sqliteScheme = "sqlite://"

type Store struct {
	db            *sqlx.DB
	dialect       string
	txMaxAttempts int
	logger        *zap.Logger
}

// NewStore connects to the database named by databaseURL and applies migrations.
// A sqlite://<path> URL opens a local SQLite file, anything else is handed to lib/pq.
func NewStore(databaseURL string) (*Store, error) {
	dialect, dsn := parseDatabaseURL(databaseURL)

	db, err := sqlx.Connect(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(8)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:            db,
		dialect:       dialect,
		txMaxAttempts: defaultTxMaxAttempts,
		logger:        util.Component("store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func parseDatabaseURL(databaseURL string) (dialect, dsn string) {
	if strings.HasPrefix(databaseURL, sqliteScheme) {
		path := strings.TrimPrefix(databaseURL, sqliteScheme)
		// immediate transactions serialize writers instead of failing on lock upgrade
		return DialectSQLite, fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	}
	return DialectPostgres, databaseURL
}

// SetTxMaxAttempts bounds how often a transaction is retried after a transient failure
func (s *Store) SetTxMaxAttempts(n int) {
	if n > 0 {
		s.txMaxAttempts = n
	}
}

// Dialect returns the storage dialect in use
func (s *Store) Dialect() string {
	return s.dialect
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) sel(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}
