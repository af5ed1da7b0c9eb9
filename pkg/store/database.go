// Package store provides the perflayer connection to the persistent
// conversation-analytics database. Foreground query traffic runs over
// database/sql prepared statements; monitoring and maintenance traffic
// runs over a pgx pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Config holds connection settings for the analytics database
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// Store owns the database handles used by the performance layer
type Store struct {
	pool   *pgxpool.Pool
	sqldb  *sql.DB
	config *Config
}

// New opens the analytics database connections
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("store config is required")
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqldb, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	sqldb.SetMaxOpenConns(int(config.MaxConnections))
	sqldb.SetConnMaxLifetime(1 * time.Hour)

	return &Store{
		pool:   pool,
		sqldb:  sqldb,
		config: config,
	}, nil
}

// DB returns the database/sql handle used for prepared-statement traffic
func (s *Store) DB() *sql.DB {
	return s.sqldb
}

// Pool returns the pgx pool used for monitoring and maintenance queries
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases both database handles
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqldb != nil {
		return s.sqldb.Close()
	}
	return nil
}

// MigrateToLatest applies all pending analytics schema migrations
func (s *Store) MigrateToLatest(ctx context.Context) error {
	driver, err := postgres.WithInstance(s.sqldb, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
