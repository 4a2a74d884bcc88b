package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB with the config it was opened with.
type DB struct {
	*sql.DB
	config *Config
}

// Connect opens a pooled Postgres connection with exponential-backoff
// retry, following the teacher's database.Connect.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	var sqlDB *sql.DB
	var err error
	delay := config.RetryDelay

	for attempt := 0; attempt <= config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		sqlDB, err = sql.Open("pgx", config.DSN)
		if err != nil {
			if attempt == config.RetryAttempts {
				return nil, fmt.Errorf("open database after %d attempts: %w", attempt+1, err)
			}
			continue
		}

		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

		if err = sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			if attempt == config.RetryAttempts {
				return nil, fmt.Errorf("ping database after %d attempts: %w", attempt+1, err)
			}
			continue
		}

		return &DB{DB: sqlDB, config: config}, nil
	}

	return nil, fmt.Errorf("connect to database: %w", err)
}

// ConnectWithMigrations connects and then applies pending golang-migrate
// migrations from config.MigrationsPath, bootstrapping the schema named
// in spec §6 (users/accounts/subaccounts/recorders/traders/signals/
// positions/trades).
func ConnectWithMigrations(ctx context.Context, config *Config) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db.DB, config.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// HealthCheck pings the database with a bounded timeout; used by the
// guardrail health monitor (C12) probe set.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats exposes the underlying pool statistics.
func (db *DB) Stats() sql.DBStats { return db.DB.Stats() }
