// Package storage defines the Store interface shared by the SQLite (default)
// and PostgreSQL backends.
package storage

import (
	"context"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/routing"
)

// Store owns one database connection and hands out the automation and
// route repositories built on it.
type Store interface {
	Automations() automation.AutomationStore
	AutomationLogs() automation.LogStore
	Routes() routing.Store

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Driver names accepted by storage.driver in the config file.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
