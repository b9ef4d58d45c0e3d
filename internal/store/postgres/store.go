// Package postgres backs the store interfaces with PostgreSQL through
// the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/anvillabs/crucible/internal/store"
)

const (
	pingTimeout     = 3 * time.Second
	connectAttempts = 5
	connectPause    = 2 * time.Second
	migrateTimeout  = 15 * time.Second
)

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings sized for a single API instance.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// Store implements store.Store on a PostgreSQL pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	users   *UserStore
	apiKeys *APIKeyStore
}

// New opens the pool, waits for the database to answer, and ensures the
// schema exists. The database may still be starting when crucible does,
// so the first ping is retried before giving up.
func New(cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := waitReady(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("postgres ready", "max_open_conns", cfg.MaxOpenConns)
	return &Store{
		db:      db,
		logger:  logger,
		users:   &UserStore{db: db, logger: logger},
		apiKeys: &APIKeyStore{db: db, logger: logger},
	}, nil
}

// waitReady pings until the database answers or the attempt budget is
// spent.
func waitReady(db *sql.DB, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < connectAttempts {
			logger.Warn("database not ready, retrying",
				"attempt", attempt,
				"error", err,
			)
			time.Sleep(connectPause)
		}
	}
	return fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, err)
}

// Users returns the user store.
func (s *Store) Users() store.UserStore {
	return s.users
}

// APIKeys returns the API key store.
func (s *Store) APIKeys() store.APIKeyStore {
	return s.apiKeys
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.logger.Info("closing postgres pool")
	return s.db.Close()
}
