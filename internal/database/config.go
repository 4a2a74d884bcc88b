// Package database wraps database/sql + pgx/v5 (stdlib driver) with
// retrying connect logic, pool tuning, and golang-migrate schema
// bootstrap, adapted from the teacher's connection helper.
package database

import (
	"errors"
	"time"
)

// ErrInvalidDSN is returned when the configured DSN is empty.
var ErrInvalidDSN = errors.New("invalid or empty DSN")

// Config holds Postgres connection configuration.
type Config struct {
	DSN                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	ConnMaxIdleTime     time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
	MigrationsPath      string
}

// DefaultConfig returns production-sane pool defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		MigrationsPath:  "file://internal/database/migrations",
	}
}

// Validate clamps invalid values to their defaults and rejects an empty
// DSN outright.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrInvalidDSN
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = time.Minute
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return nil
}
