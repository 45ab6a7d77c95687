package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/beefsync/costengine/internal/domain"
)

const (
	defaultSQLitePath = "./costengine.db"
	sqliteMemory      = ":memory:"
)

// sqliteDSN returns a modernc.org/sqlite DSN for path. Files run in WAL
// mode so summaries can read while the ledger appends; ":memory:" gives a
// throwaway ledger for the CLI and tests.
func sqliteDSN(path string) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	if path == sqliteMemory {
		return "file::memory:?" + strings.Join(pragmas, "&")
	}
	pragmas = append([]string{"_pragma=journal_mode(WAL)"}, pragmas...)
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}

	if path != sqliteMemory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection keeps append order equal to commit order, and
	// keeps one in-memory database alive for the gateway's lifetime.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database %s: %w", path, err)
	}
	return db, nil
}
