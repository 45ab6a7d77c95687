// Package domain defines the core interfaces and types for the cost engine.
package domain

import (
	"context"
	"time"
)

// CostGateway is the persistence boundary the ledger writes to and reads
// from. Implementations must return Query results in creation order.
type CostGateway interface {
	// Write stores one record and returns its assigned ID.
	Write(ctx context.Context, entry *CostEntry) (string, error)

	// Query reads records, optionally filtered by animal.
	Query(ctx context.Context, filter CostFilter) ([]*CostEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for gateway initialization.
type RepositoryConfig struct {
	// Driver is the gateway driver: "sqlite", "postgres", "mysql" or "http"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// MySQL specific
	MySQLDSN string

	// Remote HTTP gateway
	GatewayURL     string
	GatewayTimeout time.Duration

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
